package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	SignaturePrefix = "sha256="
	MinSecretLength = 16
	MaxSecretLength = 256
)

// ErrInvalidSecret is a configuration error: the secret cannot be used for signing.
var ErrInvalidSecret = errors.New("webhook secret must be between 16 and 256 characters")

// CanonicalJSON encodes v with sorted map keys, compact separators and no HTML escaping,
// so sender and receiver hash identical bytes.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ValidateSecret checks the secret length bounds.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength || len(secret) > MaxSecretLength {
		return ErrInvalidSecret
	}
	return nil
}

// Sign returns "sha256=<hex>" over the canonical encoding of payload.
func Sign(payload any, secret string) (string, error) {
	body, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return SignBytes(body, secret)
}

// SignBytes signs an already encoded body.
func SignBytes(body []byte, secret string) (string, error) {
	if err := ValidateSecret(secret); err != nil {
		return "", err
	}
	return SignaturePrefix + hexHMAC(secret, body), nil
}

// Verify checks signature against the raw body in constant time.
func Verify(body []byte, signature, secret string) bool {
	if ValidateSecret(secret) != nil {
		return false
	}
	expected := SignaturePrefix + hexHMAC(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyPayload re-encodes payload canonically and verifies the signature over it.
func VerifyPayload(payload any, signature, secret string) bool {
	body, err := CanonicalJSON(payload)
	if err != nil {
		return false
	}
	return Verify(body, signature, secret)
}

func hexHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
