package credential_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/scigateway/orchestrator/pkg/credential"
	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_GetCredential(t *testing.T) {
	t.Parallel()

	store := credential.NewStatic()
	store.Put("gw", "token", "storage-1", models.Credential{AccessKey: "ak", Secret: "sk"})
	store.Put("gw", "token", "storage-old", models.Credential{AccessKey: "ak", Expiry: time.Now().Add(-time.Minute)})

	cred, err := store.GetCredential(context.Background(), "gw", "token", "storage-1")
	require.NoError(t, err)
	assert.Equal(t, "sk", cred.Secret)

	_, err = store.GetCredential(context.Background(), "gw", "other-token", "storage-1")
	require.Error(t, err)
	assert.True(t, credential.IsNotFound(err))

	_, err = store.GetCredential(context.Background(), "gw", "token", "storage-old")
	require.Error(t, err)
	assert.True(t, credential.IsExpired(err))
	assert.Equal(t, errkind.Credential, errkind.Of(err))
	assert.False(t, errkind.Retryable(err))
}

func TestHTTPStore_GetCredential(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-token" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		switch r.URL.Path {
		case "/gateways/gw/credentials/host-1":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_key": "alice",
				"secret":     "-----BEGIN KEY-----",
				"expiry":     time.Now().Add(time.Hour),
			})
		case "/gateways/gw/credentials/host-expired":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_key": "alice",
				"expiry":     time.Now().Add(-time.Hour),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	store := credential.NewHTTPStore(slog.New(slog.NewTextHandler(os.Stdout, nil)), server.URL, 5*time.Second)

	tests := []struct {
		name       string
		token      string
		resource   string
		wantErr    error
		wantAccess string
	}{
		{name: "found", token: "user-token", resource: "host-1", wantAccess: "alice"},
		{name: "expired", token: "user-token", resource: "host-expired", wantErr: credential.ErrExpired},
		{name: "missing", token: "user-token", resource: "nope", wantErr: credential.ErrNotFound},
		{name: "unauthorized", token: "bad", resource: "host-1", wantErr: credential.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cred, err := store.GetCredential(context.Background(), "gw", tt.token, tt.resource)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantAccess, cred.AccessKey)
		})
	}
}
