package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TenancyConfig is the hot-reloadable part of the configuration.
type TenancyConfig struct {
	ReservedSubdomains []string `mapstructure:"reservedSubdomains"`
	CoreModules        []string `mapstructure:"coreModules"`
}

var defaultReservedSubdomains = []string{
	"www", "admin", "api", "app", "mail", "smtp", "imap", "pop", "ftp",
	"ns1", "ns2", "dns", "static", "assets", "cdn", "media", "blog",
	"help", "support", "status", "docs", "billing", "dashboard", "login",
	"auth", "oauth", "sso", "account", "accounts", "root", "system",
	"tenant", "tenants", "central", "landlord", "test", "dev", "staging",
}

var defaultCoreModules = []string{
	"AccountingCore",
	"HRCore",
	"Settings",
	"Dashboard",
}

func DefaultTenancyConfig() TenancyConfig {
	return TenancyConfig{
		ReservedSubdomains: append([]string(nil), defaultReservedSubdomains...),
		CoreModules:        append([]string(nil), defaultCoreModules...),
	}
}

type TenancyConfigHolder struct {
	current atomic.Value // holds TenancyConfig
}

// NewStaticTenancyConfigHolder returns a holder that always serves cfg.
func NewStaticTenancyConfigHolder(cfg TenancyConfig) *TenancyConfigHolder {
	holder := &TenancyConfigHolder{}
	holder.current.Store(normalizeTenancyConfig(cfg))
	return holder
}

func NewTenancyConfigHolder() (*TenancyConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("tenancy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tenancy/config")
	v.AddConfigPath("/etc/tenancy")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TENANCY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTenancyConfig()
	v.SetDefault("tenancy.reservedSubdomains", defaults.ReservedSubdomains)
	v.SetDefault("tenancy.coreModules", defaults.CoreModules)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg, err := readTenancyConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &TenancyConfigHolder{}
	holder.current.Store(cfg)

	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := readTenancyConfig(v)
			if err != nil {
				log.Printf("[tenancy-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[tenancy-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func (h *TenancyConfigHolder) Get() TenancyConfig {
	return h.current.Load().(TenancyConfig)
}

func readTenancyConfig(v *viper.Viper) (TenancyConfig, error) {
	var cfg TenancyConfig
	if err := v.UnmarshalKey("tenancy", &cfg); err != nil {
		return TenancyConfig{}, err
	}
	if raw := strings.TrimSpace(v.GetString("core_modules")); raw != "" {
		cfg.CoreModules = parseList(raw)
	}
	cfg = normalizeTenancyConfig(cfg)
	if err := validateTenancyConfig(cfg); err != nil {
		return TenancyConfig{}, err
	}
	return cfg, nil
}

func normalizeTenancyConfig(cfg TenancyConfig) TenancyConfig {
	reserved := make([]string, 0, len(cfg.ReservedSubdomains))
	for _, sub := range cfg.ReservedSubdomains {
		sub = strings.ToLower(strings.TrimSpace(sub))
		if sub != "" {
			reserved = append(reserved, sub)
		}
	}
	modules := make([]string, 0, len(cfg.CoreModules))
	for _, m := range cfg.CoreModules {
		m = strings.TrimSpace(m)
		if m != "" {
			modules = append(modules, m)
		}
	}
	return TenancyConfig{ReservedSubdomains: reserved, CoreModules: modules}
}

func validateTenancyConfig(cfg TenancyConfig) error {
	if len(cfg.CoreModules) == 0 {
		return errors.New("tenancy.coreModules cannot be empty")
	}
	return nil
}
