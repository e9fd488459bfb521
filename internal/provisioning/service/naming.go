package service

import (
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
)

const maxIdentifierLength = 63

// databaseName derives a stable identifier from the tenant. The id suffix is
// kept intact when the slug has to be shortened.
func databaseName(prefix string, tenantID snowflake.ID, subdomain string) string {
	prefix = identifierPart(prefix)
	if prefix == "" {
		prefix = "tenant"
	}
	suffix := strconv.FormatInt(tenantID.Int64(), 36)

	base := identifierPart(subdomain)
	room := maxIdentifierLength - len(prefix) - len(suffix) - 2
	if room < 0 {
		room = 0
	}
	if len(base) > room {
		base = strings.TrimRight(base[:room], "_")
	}
	if base == "" {
		return truncate(prefix+"_"+suffix, maxIdentifierLength)
	}
	return prefix + "_" + base + "_" + suffix
}

func identifierPart(raw string) string {
	return strings.ReplaceAll(slug.Make(raw), "-", "_")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func generatePassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
