package domain

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

type moduleMode uint8

const (
	modulesNotSet moduleMode = iota
	modulesUnrestricted
	modulesExplicit
)

// ModuleSet is the plan's addon allow-list.
//
// On the wire `[]` means every module is allowed, a non-empty array is an
// explicit allow-list and `null` or a missing key means the plan never
// configured modules. The zero value is "not set".
type ModuleSet struct {
	mode  moduleMode
	names []string
}

func UnrestrictedModules() ModuleSet {
	return ModuleSet{mode: modulesUnrestricted}
}

// ExplicitModules builds an allow-list. Passing no names yields an
// unrestricted set, mirroring the `[]` wire form.
func ExplicitModules(names ...string) ModuleSet {
	cleaned := normalizeNames(names)
	if len(cleaned) == 0 {
		return UnrestrictedModules()
	}
	return ModuleSet{mode: modulesExplicit, names: cleaned}
}

func (m ModuleSet) IsSet() bool          { return m.mode != modulesNotSet }
func (m ModuleSet) IsUnrestricted() bool { return m.mode == modulesUnrestricted }

// Names returns the explicit list, sorted. It is empty for unrestricted and unset sets.
func (m ModuleSet) Names() []string {
	return append([]string(nil), m.names...)
}

// Contains compares case-insensitively.
func (m ModuleSet) Contains(module string) bool {
	module = strings.TrimSpace(module)
	for _, name := range m.names {
		if strings.EqualFold(name, module) {
			return true
		}
	}
	return false
}

func (m ModuleSet) MarshalJSON() ([]byte, error) {
	switch m.mode {
	case modulesUnrestricted:
		return []byte("[]"), nil
	case modulesExplicit:
		return json.Marshal(m.names)
	default:
		return []byte("null"), nil
	}
}

func (m *ModuleSet) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = ModuleSet{}
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*m = ExplicitModules(names...)
	return nil
}

func normalizeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
