// Package cipher implements the illustrative message cipher: a Caesar shift
// wrapped in a textual envelope. It is not secure and is not meant to be.
package cipher

import (
	"context"
	"strconv"
	"strings"
)

// DefaultShift produces the cipher_caesar_3(...) envelope.
const DefaultShift = 3

const envelopePrefix = "cipher_caesar_"

// Encode rotates the ASCII letters of plaintext by shift and wraps the result
// in the envelope for that shift.
func Encode(plaintext string, shift int) string {
	n := normalize(shift)
	var b strings.Builder
	b.Grow(len(plaintext) + len(envelopePrefix) + 4)
	b.WriteString(prefix(n))
	b.WriteString(rotate(plaintext, n))
	b.WriteByte(')')
	return b.String()
}

// Decode reverses Encode. Text that is not wrapped in the envelope for shift
// is returned unchanged.
func Decode(text string, shift int) string {
	n := normalize(shift)
	p := prefix(n)
	if !strings.HasPrefix(text, p) || !strings.HasSuffix(text, ")") || len(text) < len(p)+1 {
		return text
	}
	payload := text[len(p) : len(text)-1]
	return rotate(payload, (26-n)%26)
}

// IsEncoded reports whether text carries the envelope for shift.
func IsEncoded(text string, shift int) bool {
	p := prefix(normalize(shift))
	return len(text) > len(p) && strings.HasPrefix(text, p) && strings.HasSuffix(text, ")")
}

func prefix(n int) string {
	return envelopePrefix + strconv.Itoa(n) + "("
}

func normalize(shift int) int {
	n := shift % 26
	if n < 0 {
		n += 26
	}
	return n
}

// rotate works on bytes so input that is not valid UTF-8 survives intact;
// only ASCII letters change.
func rotate(s string, n int) string {
	if n == 0 {
		return s
	}
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = 'A' + (c-'A'+byte(n))%26
		case c >= 'a' && c <= 'z':
			b[i] = 'a' + (c-'a'+byte(n))%26
		}
	}
	return string(b)
}

// Codec binds a shift and exposes the cipher in the shape the message
// pipeline consumes.
type Codec struct {
	Shift int
}

func NewCodec(shift int) *Codec {
	return &Codec{Shift: shift}
}

func (c *Codec) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return Encode(plaintext, c.Shift), nil
}

func (c *Codec) Decrypt(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return Decode(text, c.Shift), nil
}
