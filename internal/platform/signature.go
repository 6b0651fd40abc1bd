package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// SignPayload returns the hex HMAC-SHA256 of payload.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature accepts hex or base64 HMAC-SHA256 signatures, with an optional
// "sha256=" prefix. Comparison is constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if got, err := hex.DecodeString(signature); err == nil && len(got) == len(expected) {
		return subtle.ConstantTimeCompare(got, expected) == 1
	}
	if got, err := base64.StdEncoding.DecodeString(signature); err == nil {
		return subtle.ConstantTimeCompare(got, expected) == 1
	}
	return false
}
