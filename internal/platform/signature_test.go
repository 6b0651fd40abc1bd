package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","topic":"orders/create"}`)
	secret := "whsec"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	b64 := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	hexSig := SignPayload(secret, payload)

	assert.True(t, VerifySignature(secret, payload, hexSig))
	assert.True(t, VerifySignature(secret, payload, "sha256="+hexSig))
	assert.True(t, VerifySignature(secret, payload, b64))

	assert.False(t, VerifySignature("other", payload, hexSig))
	assert.False(t, VerifySignature(secret, []byte("tampered"), hexSig))
	assert.False(t, VerifySignature(secret, payload, ""))
	assert.False(t, VerifySignature("", payload, hexSig))
	assert.False(t, VerifySignature(secret, payload, "not-a-signature"))
}
