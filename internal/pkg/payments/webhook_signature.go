package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// VerifySquareWebhookSignature authenticates a raw webhook body against the
// x-square-hmacsha256-signature header. Square signs the concatenation of the
// notification URL and the body with HMAC-SHA256 and base64-encodes the
// result. Verification must run on the body bytes exactly as received,
// before any JSON decoding.
func VerifySquareWebhookSignature(payload []byte, signatureHeader, webhookSecret, notificationURL string) error {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return ErrWebhookSecretMissing
	}

	sig := strings.TrimSpace(signatureHeader)
	if sig == "" {
		return ErrSignatureInvalid
	}
	decodedSig, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return ErrSignatureInvalid
	}

	// Current Square behavior: the notification URL is part of the signed
	// message.
	if url := strings.TrimSpace(notificationURL); url != "" {
		signed := make([]byte, 0, len(url)+len(payload))
		signed = append(signed, url...)
		signed = append(signed, payload...)
		if verifyHMACSHA256(signed, decodedSig, []byte(secret)) {
			return nil
		}
	}

	// Fallback for older Square configurations that sign the body only.
	if verifyHMACSHA256(payload, decodedSig, []byte(secret)) {
		return nil
	}
	return ErrSignatureInvalid
}

func verifyHMACSHA256(message, expectedSig, secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
