package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_SafeMethodsBypass(t *testing.T) {
	v := NewVerifier("secret", true)
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		assert.NoError(t, v.Verify(true, method, nil, ""), method)
		// Even without a resolved identity: read-only methods are exempt.
		assert.NoError(t, v.Verify(false, method, nil, ""), method)
	}
}

func TestVerify_RequiresIdentityFirst(t *testing.T) {
	v := NewVerifier("secret", true)
	body := []byte(`{"events":[]}`)
	err := v.Verify(false, http.MethodPost, body, v.Sign(body))
	assert.ErrorIs(t, err, ErrUnauthenticatedContext)
}

func TestVerify_MissingSignature(t *testing.T) {
	v := NewVerifier("secret", true)
	err := v.Verify(true, http.MethodPost, []byte(`{}`), "")
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestVerify_ValidSignature(t *testing.T) {
	v := NewVerifier("secret", true)
	body := []byte(`{"events":[{"type":"cpu"}]}`)
	require.NoError(t, v.Verify(true, http.MethodPost, body, v.Sign(body)))
}

func TestVerify_SingleByteChangeInvalidates(t *testing.T) {
	v := NewVerifier("secret", true)
	body := []byte(`{"events":[{"type":"cpu"}]}`)
	sig := v.Sign(body)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		assert.ErrorIs(t, v.Verify(true, http.MethodPost, tampered, sig),
			ErrInvalidSignature, "byte %d", i)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	v := NewVerifier("secret", true)
	other := NewVerifier("other-secret", true)
	body := []byte(`{}`)
	assert.ErrorIs(t, v.Verify(true, http.MethodPost, body, other.Sign(body)), ErrInvalidSignature)
}

func TestVerify_NonHexSignature(t *testing.T) {
	v := NewVerifier("secret", true)
	assert.ErrorIs(t, v.Verify(true, http.MethodPost, []byte(`{}`), "zz-not-hex"), ErrInvalidSignature)
}

func TestVerify_DisabledPassesEverything(t *testing.T) {
	v := NewVerifier("secret", false)
	assert.NoError(t, v.Verify(false, http.MethodPost, []byte(`{}`), ""))
	assert.NoError(t, v.Verify(true, http.MethodDelete, []byte(`{}`), "garbage"))
}
