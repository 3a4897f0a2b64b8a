package errkind_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/stretchr/testify/assert"
)

type credentialFailure struct{}

func (credentialFailure) Error() string            { return "token expired" }
func (credentialFailure) ErrorKind() errkind.Kind { return errkind.Credential }

func TestOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		kind      errkind.Kind
		retryable bool
	}{
		{"nil", nil, "", false},
		{"plain error", errors.New("boom"), errkind.Unknown, true},
		{"transfer", errkind.Wrap(errkind.Transfer, "write", errors.New("disk full")), errkind.Transfer, true},
		{"wrapped execution", fmt.Errorf("attempt 2: %w", errkind.Wrap(errkind.Execution, "launch", errors.New("exec"))), errkind.Execution, true},
		{"typed credential", fmt.Errorf("fetch: %w", credentialFailure{}), errkind.Credential, false},
		{"provider not found", errkind.Wrap(errkind.ProviderNotFound, "resolve", errors.New("none")), errkind.ProviderNotFound, false},
		{"deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), errkind.Timeout, true},
		{"canceled", context.Canceled, errkind.Canceled, false},
		{"graph", errkind.Wrap(errkind.Graph, "build", errors.New("cycle")), errkind.Graph, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.kind, errkind.Of(tt.err))
			assert.Equal(t, tt.retryable, errkind.Retryable(tt.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()

	assert.NoError(t, errkind.Wrap(errkind.Transfer, "read", nil))
}
