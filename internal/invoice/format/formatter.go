package format

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var seqTokenRe = regexp.MustCompile(`\{SEQ(\d*)\}`)

// DefaultTemplate yields numbers such as INV-202503-00042.
const DefaultTemplate = "INV-{YYYY}{MM}-{SEQ5}"

var (
	ErrEmptyTemplate     = errors.New("invoice_template_empty")
	ErrMissingSequence   = errors.New("invoice_template_missing_sequence")
	ErrInvalidSequence   = errors.New("invoice_sequence_invalid")
	ErrSequenceOverflow  = errors.New("invoice_sequence_overflow")
	ErrUnresolvedToken   = errors.New("invoice_template_unresolved_token")
	ErrSequenceMalformed = errors.New("invoice_number_malformed")
)

// FormatInvoiceNumber renders template for the issue date and sequence.
// Dates are taken in UTC. A padded sequence that does not fit its width is
// an overflow rather than a longer number.
func FormatInvoiceNumber(template string, issuedAt time.Time, seq int64) (string, error) {
	if template == "" {
		return "", ErrEmptyTemplate
	}
	if seq <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidSequence, seq)
	}

	out := replaceDates(template, issuedAt.UTC())

	var overflow bool
	out = seqTokenRe.ReplaceAllStringFunc(out, func(m string) string {
		width := tokenWidth(m)
		if width == 0 {
			return strconv.FormatInt(seq, 10)
		}
		formatted := fmt.Sprintf("%0*d", width, seq)
		if len(formatted) > width {
			overflow = true
		}
		return formatted
	})
	if overflow {
		return "", fmt.Errorf("%w: %d", ErrSequenceOverflow, seq)
	}
	if strings.ContainsAny(out, "{}") {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedToken, out)
	}
	return out, nil
}

// Prefix returns the part of the number that precedes the sequence token.
// Numbers sharing a prefix share a sequence.
func Prefix(template string, issuedAt time.Time) (string, error) {
	if template == "" {
		return "", ErrEmptyTemplate
	}
	loc := seqTokenRe.FindStringIndex(template)
	if loc == nil {
		return "", ErrMissingSequence
	}
	prefix := replaceDates(template[:loc[0]], issuedAt.UTC())
	if strings.ContainsAny(prefix, "{}") {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedToken, prefix)
	}
	return prefix, nil
}

// ParseSequence extracts the sequence from a number produced with prefix.
func ParseSequence(number, prefix string) (int64, error) {
	rest, ok := strings.CutPrefix(number, prefix)
	if !ok || rest == "" {
		return 0, fmt.Errorf("%w: %s", ErrSequenceMalformed, number)
	}
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSequenceMalformed, number)
	}
	seq, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrSequenceMalformed, number)
	}
	return seq, nil
}

func replaceDates(s string, t time.Time) string {
	s = strings.ReplaceAll(s, "{YYYY}", t.Format("2006"))
	s = strings.ReplaceAll(s, "{YY}", t.Format("06"))
	s = strings.ReplaceAll(s, "{MM}", t.Format("01"))
	s = strings.ReplaceAll(s, "{DD}", t.Format("02"))
	return s
}

func tokenWidth(token string) int {
	match := seqTokenRe.FindStringSubmatch(token)
	if len(match) != 2 || match[1] == "" {
		return 0
	}
	width, err := strconv.Atoi(match[1])
	if err != nil || width <= 0 {
		return 0
	}
	return width
}
