package authz_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/scigateway/orchestrator/pkg/authz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    authz.Decision
		allowed bool
	}{
		{"Permit", authz.Permit, true},
		{" permit ", authz.Permit, true},
		{"Deny", authz.Deny, false},
		{"NotApplicable", authz.NotApplicable, false},
		{"", authz.Indeterminate, false},
		{"<Result><Decision>Permit", authz.Indeterminate, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()

			got := authz.ParseDecision(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.allowed, got.Allowed())
		})
	}
}

func TestHTTPAuthorizer_FailsClosed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch r.Header.Get("Authorization") {
		case "Bearer permit":
			_, _ = w.Write([]byte(`{"decision":"Permit"}`))
		case "Bearer garbage":
			_, _ = w.Write([]byte(`{"decision":"maybe"}`))
		case "Bearer broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte(`{"decision":"Deny"}`))
		}
	}))
	defer server.Close()

	authorizer := authz.NewHTTPAuthorizer(slog.New(slog.NewTextHandler(os.Stdout, nil)), server.URL, 5*time.Second)

	tests := []struct {
		token   string
		allowed bool
	}{
		{"permit", true},
		{"deny", false},
		{"garbage", false},
		{"broken", false},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			t.Parallel()

			err := authorizer.Authorize(context.Background(), authz.Request{
				GatewayID:    "gw",
				UserToken:    tt.token,
				ExperimentID: "exp-1",
				Action:       "launch",
			})
			if tt.allowed {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, authz.ErrDenied)
		})
	}
}

func TestHTTPAuthorizer_UnreachableDenies(t *testing.T) {
	t.Parallel()

	authorizer := authz.NewHTTPAuthorizer(slog.Default(), "http://127.0.0.1:1", 200*time.Millisecond)

	err := authorizer.Authorize(context.Background(), authz.Request{ExperimentID: "exp-1", Action: "launch"})
	require.ErrorIs(t, err, authz.ErrDenied)
}
