package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/Strob0t/tenantgate/internal/domain"
)

// HeaderBillingSignature carries the billing system's HMAC-SHA256 of the body.
const HeaderBillingSignature = "X-Billing-Signature"

const maxWebhookBody = 64 << 10

// WebhookHMAC returns middleware that validates HMAC-SHA256 webhook
// signatures. secret is called per request so a rotated key applies at once.
func WebhookHMAC(secret func() string, header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := secret()
			if key == "" {
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "webhook secret not configured", Code: "webhook_unavailable"})
				return
			}

			sig := r.Header.Get(header)
			if sig == "" {
				WriteError(w, r, domain.ErrUnauthenticated)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
			if err != nil {
				writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "body too large", Code: "validation_failed"})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !verifyHMAC(body, sig, key) {
				WriteError(w, r, domain.ErrUnauthenticated)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SignHMAC returns the "sha256=<hex>" signature of payload under secret.
func SignHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC checks an HMAC-SHA256 signature given as raw hex or "sha256=<hex>".
func verifyHMAC(payload []byte, signature, secret string) bool {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}
