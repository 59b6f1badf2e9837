package webhooks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef"

func TestSignVerifyRoundTrip(t *testing.T) {
	payloads := []any{
		map[string]any{"grid_identity": "g1"},
		map[string]any{"b": 2, "a": []any{1, "x", nil}, "nested": map[string]any{"z": true, "y": 1.5}},
		map[string]any{},
		"plain",
	}
	for _, p := range payloads {
		sig, err := Sign(p, testSecret)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sig, SignaturePrefix))
		body, err := CanonicalJSON(p)
		require.NoError(t, err)
		assert.True(t, Verify(body, sig, testSecret))
		assert.True(t, VerifyPayload(p, sig, testSecret))
	}
}

func TestVerifyRejectsBitFlips(t *testing.T) {
	body := []byte(`{"data":{"grid_identity":"g1"},"event":"grid.created"}`)
	sig, err := SignBytes(body, testSecret)
	require.NoError(t, err)

	for i := range body {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), body...)
			flipped[i] ^= 1 << bit
			assert.False(t, Verify(flipped, sig, testSecret), "payload byte %d bit %d", i, bit)
		}
	}
	for i := range sig {
		for bit := 0; bit < 8; bit++ {
			b := []byte(sig)
			b[i] ^= 1 << bit
			assert.False(t, Verify(body, string(b), testSecret), "signature byte %d bit %d", i, bit)
		}
	}
}

func TestVerifyIsIdempotent(t *testing.T) {
	body := []byte(`{"x":1}`)
	sig, err := SignBytes(body, testSecret)
	require.NoError(t, err)
	first := Verify(body, sig, testSecret)
	second := Verify(body, sig, testSecret)
	assert.Equal(t, first, second)
	assert.Equal(t, Verify(body, "sha256=00", testSecret), Verify(body, "sha256=00", testSecret))
}

func TestCanonicalJSONSortsKeysAndKeepsHTML(t *testing.T) {
	body, err := CanonicalJSON(map[string]any{"b": "<x>", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":"<x>"}`, string(body))
}

func TestSignRejectsShortSecret(t *testing.T) {
	_, err := Sign(map[string]any{"a": 1}, "short")
	assert.ErrorIs(t, err, ErrInvalidSecret)
	assert.False(t, Verify([]byte(`{}`), "sha256=abc", "short"))
}

func TestSignMatchesSignBytes(t *testing.T) {
	sig, err := SignBytes([]byte(`{"a":1}`), testSecret)
	require.NoError(t, err)
	assert.Len(t, sig, len(SignaturePrefix)+64)
	again, _ := Sign(map[string]any{"a": 1}, testSecret)
	assert.Equal(t, sig, again)
}
