// Package password hashes tenant admin passwords with Argon2id.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

const MinLength = 8

const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
	argonKeyLen  uint32 = 32
	argonSaltLen = 16
)

var ErrTooShort = errors.New("password_too_short")

type params struct {
	memory  uint32
	time    uint32
	threads uint8
}

// Validate enforces the minimum length counted in characters, not bytes.
func Validate(password string) error {
	if utf8.RuneCountInString(password) < MinLength {
		return ErrTooShort
	}
	return nil
}

// Hash returns a PHC formatted Argon2id hash.
func Hash(password string) (string, error) {
	if err := Validate(password); err != nil {
		return "", err
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify checks whether a password matches the encoded hash.
func Verify(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return false
	}
	p, ok := parseParams(parts[3])
	if !ok {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return false
	}

	check := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, check) == 1
}

func parseParams(raw string) (params, bool) {
	fields := strings.Split(raw, ",")
	if len(fields) != 3 {
		return params{}, false
	}
	values := make([]uint64, 0, 3)
	for i, prefix := range []string{"m=", "t=", "p="} {
		v, ok := strings.CutPrefix(fields[i], prefix)
		if !ok {
			return params{}, false
		}
		bits := 32
		if prefix == "p=" {
			bits = 8
		}
		n, err := strconv.ParseUint(v, 10, bits)
		if err != nil || n == 0 {
			return params{}, false
		}
		values = append(values, n)
	}
	return params{
		memory:  uint32(values[0]),
		time:    uint32(values[1]),
		threads: uint8(values[2]),
	}, true
}
