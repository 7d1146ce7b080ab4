package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/model"
)

func TestTokenService_RoundTrip(t *testing.T) {
	s := NewTokenService("secret")

	token, err := s.Issue(model.Identity{ID: "alice", DisplayName: "Alice"}, time.Hour)
	require.NoError(t, err)

	id, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, model.Identity{ID: "alice", DisplayName: "Alice"}, id)
}

func TestTokenService_Rejects(t *testing.T) {
	s := NewTokenService("secret")

	expired := NewTokenService("secret")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue(model.Identity{ID: "alice"}, time.Hour)
	require.NoError(t, err)

	other, err := NewTokenService("other-secret").Issue(model.Identity{ID: "alice"}, time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"expired", old},
		{"wrong key", other},
		{"unsigned", none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Verify(tt.token)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}

	_, err = s.Issue(model.Identity{}, time.Hour)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	s := NewTokenService("secret")
	token, err := s.Issue(model.Identity{ID: "bob"}, time.Hour)
	require.NoError(t, err)

	var seen model.Identity
	h := Authenticate(s, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := CurrentUser(r.Context())
		require.True(t, ok)
		seen = id
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + token, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.Equal(t, "bob", seen.ID)
}

func TestCurrentUser_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := CurrentUser(req.Context())
	assert.False(t, ok)
}

func TestSubject(t *testing.T) {
	token, err := NewTokenService("secret").Issue(model.Identity{ID: "bob"}, time.Hour)
	require.NoError(t, err)

	sub, err := Subject(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", sub)

	_, err = Subject("not-a-token")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
