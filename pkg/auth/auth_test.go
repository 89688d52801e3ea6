package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAdminKeyPlain(t *testing.T) {
	k, err := NewAdminKey("s3cret", "")
	require.NoError(t, err)

	assert.True(t, k.Enabled())
	assert.NoError(t, k.Validate("s3cret"))
	assert.ErrorIs(t, k.Validate("nope"), ErrInvalidToken)
	assert.ErrorIs(t, k.Validate(""), ErrMissingToken)
}

func TestAdminKeyHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	// The hash wins over a plaintext key
	k, err := NewAdminKey("ignored", string(hash))
	require.NoError(t, err)
	assert.NoError(t, k.Validate("s3cret"))
	assert.ErrorIs(t, k.Validate("ignored"), ErrInvalidToken)

	_, err = NewAdminKey("", "not-a-hash")
	assert.Error(t, err)
}

func TestHashKey(t *testing.T) {
	hash, err := HashKey("k")
	require.NoError(t, err)
	k, err := NewAdminKey("", hash)
	require.NoError(t, err)
	assert.NoError(t, k.Validate("k"))
}

func TestAdminKeyDisabled(t *testing.T) {
	var nilKey *AdminKey
	assert.False(t, nilKey.Enabled())
	assert.ErrorIs(t, nilKey.Validate("x"), ErrDisabled)

	k, err := NewAdminKey("", "")
	require.NoError(t, err)
	assert.ErrorIs(t, k.Validate("x"), ErrDisabled)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, BearerToken(r), "header %q", tt.header)
	}
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	k, err := NewAdminKey("s3cret", "")
	require.NoError(t, err)
	h := k.Middleware(ok)

	call := func(header string) int {
		r := httptest.NewRequest("POST", "/admin/jobs/purge", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}
	assert.Equal(t, http.StatusNoContent, call("Bearer s3cret"))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer wrong"))
	assert.Equal(t, http.StatusUnauthorized, call(""))

	var disabled *AdminKey
	w := httptest.NewRecorder()
	disabled.Middleware(ok).ServeHTTP(w, httptest.NewRequest("POST", "/", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}
