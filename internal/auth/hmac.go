package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
)

var (
	ErrUnauthenticatedContext = errors.New("auth: signature check before identity resolution")
	ErrMissingSignature       = errors.New("auth: missing signature")
	ErrInvalidSignature       = errors.New("auth: invalid signature")
)

// Verifier validates HMAC-SHA256 signatures over raw request bodies for
// state-changing requests. The secret is server-held and distinct from any
// per-machine API key.
type Verifier struct {
	secret  []byte
	enabled bool
}

// NewVerifier creates a verifier. enabled=false is the operational escape
// hatch: every request passes unconditionally.
func NewVerifier(secret string, enabled bool) *Verifier {
	return &Verifier{secret: []byte(secret), enabled: enabled}
}

// SafeMethod reports whether a method is read-only and therefore exempt
// from body signing.
func SafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Sign computes the hex signature for a body. Agents run the same
// computation on their side.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the presented signature against the raw body. The identity
// must already be resolved; integrity is never checked before
// authentication.
func (v *Verifier) Verify(identityResolved bool, method string, body []byte, signature string) error {
	if !v.enabled {
		return nil
	}
	if SafeMethod(method) {
		return nil
	}
	if !identityResolved {
		return ErrUnauthenticatedContext
	}
	if signature == "" {
		return ErrMissingSignature
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrInvalidSignature
	}
	return nil
}
