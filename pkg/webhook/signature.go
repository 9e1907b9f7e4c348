package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks signature ("sha256=<hex>") against body. The
// error never includes the expected digest.
func VerifySignature(secret, body []byte, signature string) error {
	switch {
	case len(secret) == 0:
		return errors.New("webhook signature: secret is empty")
	case signature == "":
		return errors.New("webhook signature: header missing")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("webhook signature: invalid hex: %w", err)
	}
	if subtle.ConstantTimeCompare(Sign(secret, body), got) != 1 {
		return errors.New("webhook signature: mismatch")
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureFor formats Sign's digest the way the platform sends it.
func SignatureFor(secret, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, body))
}
