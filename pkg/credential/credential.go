package credential

import (
	"database/sql/driver"
	"fmt"

	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Credential holds a sealed secret. The zero value is empty and stores as NULL.
type Credential struct {
	ciphertext string
}

// Seal encrypts plaintext with the cipher.
func Seal(c *Cipher, plaintext string) (Credential, error) {
	if c == nil {
		return Credential{}, ErrCipherUnavailable
	}
	ct, err := c.seal([]byte(plaintext))
	if err != nil {
		return Credential{}, err
	}
	return Credential{ciphertext: ct}, nil
}

func (c Credential) IsZero() bool {
	return c.ciphertext == ""
}

// Reveal returns the plaintext.
func (c Credential) Reveal(cipher *Cipher) (string, error) {
	if cipher == nil {
		return "", ErrCipherUnavailable
	}
	if c.IsZero() {
		return "", ErrMalformed
	}
	plaintext, err := cipher.open(c.ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (c Credential) String() string {
	return redacted
}

func (c Credential) GoString() string {
	return "credential.Credential{" + redacted + "}"
}

func (c Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (c Credential) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("value", redacted)
	enc.AddBool("set", !c.IsZero())
	return nil
}

// Value stores the ciphertext, never the plaintext.
func (c Credential) Value() (driver.Value, error) {
	if c.IsZero() {
		return nil, nil
	}
	return c.ciphertext, nil
}

func (c *Credential) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		c.ciphertext = ""
	case string:
		c.ciphertext = v
	case []byte:
		c.ciphertext = string(v)
	default:
		return fmt.Errorf("credential: unsupported scan type %T", src)
	}
	return nil
}

// GormDataType keeps the column as text on every dialect.
func (Credential) GormDataType() string {
	return "text"
}
