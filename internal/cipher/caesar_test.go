package cipher

import (
	"context"
	"strings"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHelloWorld(t *testing.T) {
	got := Encode("Hello, World!", 3)
	assert.Equal(t, "cipher_caesar_3(Khoor, Zruog!)", got)
	assert.Equal(t, "Hello, World!", Decode(got, 3))
}

func TestEncodeWrapsAlphabet(t *testing.T) {
	assert.Equal(t, "cipher_caesar_3(abcABC)", Encode("xyzXYZ", 3))
	assert.Equal(t, "xyzXYZ", Decode("cipher_caesar_3(abcABC)", 3))
}

func TestEncodeLeavesNonLettersAlone(t *testing.T) {
	in := "1234 !?-_ äöü 日本 🙂"
	assert.Equal(t, "cipher_caesar_3("+in+")", Encode(in, 3))
}

func TestShiftIsNormalized(t *testing.T) {
	assert.Equal(t, Encode("abc", 3), Encode("abc", 29))
	assert.Equal(t, Encode("abc", 23), Encode("abc", -3))
	assert.Equal(t, "abc", Decode(Encode("abc", -3), -3))
}

func TestDecodePassThrough(t *testing.T) {
	cases := []string{
		"",
		"plain text",
		"cipher_caesar_3(unterminated",
		"cipher_caesar_4(wrong shift)",
		"prefix cipher_caesar_3(inner)",
	}
	for _, c := range cases {
		assert.Equal(t, c, Decode(c, 3), "input %q", c)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	assert.Equal(t, "cipher_caesar_3()", Encode("", 3))
	assert.Equal(t, "", Decode("cipher_caesar_3()", 3))
}

func TestRoundTripLaw(t *testing.T) {
	law := func(p string, k int) bool {
		return Decode(Encode(p, k), k) == p
	}
	require.NoError(t, quick.Check(law, nil))
}

func TestRoundTripKeepsInvalidUTF8(t *testing.T) {
	for _, p := range []string{"Hi\xffthere", "\xff", "\xc3(", "ok\x80\x80Z"} {
		for _, k := range []int{0, 3, 25, -7} {
			enc := Encode(p, k)
			assert.Equal(t, p, Decode(enc, k), "shift %d", k)
		}
	}
	assert.Equal(t, "cipher_caesar_3(Kl\xffwkhuh)", Encode("Hi\xffthere", 3))
}

func TestPassThroughLaw(t *testing.T) {
	law := func(s string, k int) bool {
		if strings.Contains(s, envelopePrefix) {
			return true
		}
		return Decode(s, k) == s
	}
	require.NoError(t, quick.Check(law, nil))
}

func TestEncodePreservesCaseClass(t *testing.T) {
	law := func(p string) bool {
		enc := Encode(p, 7)
		payload := enc[len(prefix(7)) : len(enc)-1]
		pr, er := []rune(p), []rune(payload)
		if len(pr) != len(er) {
			return false
		}
		for i := range pr {
			if isUpper(pr[i]) != isUpper(er[i]) || isLower(pr[i]) != isLower(er[i]) {
				return false
			}
		}
		return true
	}
	require.NoError(t, quick.Check(law, nil))
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isLower(r rune) bool { return r >= 'a' && r <= 'z' }

func TestIsEncoded(t *testing.T) {
	assert.True(t, IsEncoded(Encode("x", 3), 3))
	assert.False(t, IsEncoded("x", 3))
	assert.False(t, IsEncoded(Encode("x", 4), 3))
}

func TestCodecHonorsContext(t *testing.T) {
	c := NewCodec(DefaultShift)

	out, err := c.Encrypt(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, "cipher_caesar_3(whvw)", out)

	back, err := c.Decrypt(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, "test", back)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Encrypt(ctx, "test")
	assert.ErrorIs(t, err, context.Canceled)
}
