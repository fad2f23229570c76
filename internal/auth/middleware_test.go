package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imadgeboyega/kiekky-messaging/internal/common/utils"
)

func protected(t *testing.T, seen *int64) http.Handler {
	return NewMiddleware("secret").Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetUserIDFromContext(r.Context())
		require.True(t, ok)
		*seen = id
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuthenticate_BearerHeader(t *testing.T) {
	var seen int64
	token, err := utils.GenerateJWT(7, "secret", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected(t, &seen).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), seen)
}

func TestAuthenticate_Rejects(t *testing.T) {
	token, err := utils.GenerateJWT(7, "secret", time.Hour)
	require.NoError(t, err)

	tests := map[string]func(r *http.Request){
		"missing":      func(r *http.Request) {},
		"wrong scheme": func(r *http.Request) { r.Header.Set("Authorization", "Basic "+token) },
		"bad token":    func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") },
		// Query tokens are only honored on websocket upgrades
		"query on plain request": func(r *http.Request) { r.URL.RawQuery = "token=" + token },
	}

	for name, setup := range tests {
		t.Run(name, func(t *testing.T) {
			var seen int64
			req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
			setup(req)
			rec := httptest.NewRecorder()
			protected(t, &seen).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Zero(t, seen)
		})
	}
}

func TestAuthenticate_QueryTokenOnUpgrade(t *testing.T) {
	var seen int64
	token, err := utils.GenerateJWT(9, "secret", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	protected(t, &seen).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(9), seen)
}
