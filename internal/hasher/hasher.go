// Package hasher fingerprints message content.
package hasher

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode/utf16"
)

// FallbackPrefix marks digests produced without a cryptographic primitive.
const FallbackPrefix = "fallback_hash_"

// Hasher digests text with Primitive when the primitive is linked into the
// binary, and with a 32-bit rolling checksum otherwise.
type Hasher struct {
	Primitive crypto.Hash
}

func New() *Hasher {
	return &Hasher{Primitive: crypto.SHA256}
}

// Sum returns the fingerprint of text. It never fails.
func (h *Hasher) Sum(text string) string {
	if h.Primitive != 0 && h.Primitive.Available() {
		d := h.Primitive.New()
		d.Write([]byte(text))
		return hex.EncodeToString(d.Sum(nil))
	}
	return Fallback(text)
}

func (h *Hasher) Hash(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return h.Sum(text), nil
}

// Fallback is the non-cryptographic checksum: h = h*31 + unit over the UTF-16
// code units of text, kept in 32 bits and rendered as the hex of |h|.
func Fallback(text string) string {
	var acc int32
	for _, u := range utf16.Encode([]rune(text)) {
		acc = (acc << 5) - acc + int32(u)
	}
	v := int64(acc)
	if v < 0 {
		v = -v
	}
	return FallbackPrefix + strconv.FormatInt(v, 16)
}

func IsFallback(digest string) bool {
	return strings.HasPrefix(digest, FallbackPrefix)
}
