// Package credential resolves short lived secrets for remote resources on behalf of a gateway user.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
)

var (
	ErrNotFound     = errors.New("credential not found")
	ErrExpired      = errors.New("credential expired")
	ErrUnauthorized = errors.New("credential access denied")
)

// Context is the credential boundary: it hands out the secret a user holds for a resource.
type Context interface {
	GetCredential(ctx context.Context, gatewayID, userToken, resourceID string) (models.Credential, error)
}

// CredentialError wraps a failed lookup with the resource it was made for.
type CredentialError struct {
	ResourceID string
	Err        error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential for resource %s: %v", e.ResourceID, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

func (e *CredentialError) ErrorKind() errkind.Kind {
	return errkind.Credential
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsExpired(err error) bool {
	return errors.Is(err, ErrExpired)
}

// checkExpiry rejects a credential whose expiry has passed.
func checkExpiry(resourceID string, cred models.Credential, now time.Time) (models.Credential, error) {
	if cred.Expired(now) {
		return models.Credential{}, &CredentialError{ResourceID: resourceID, Err: ErrExpired}
	}

	return cred, nil
}

type key struct {
	gatewayID  string
	userToken  string
	resourceID string
}

// Static is an in-memory credential store.
type Static struct {
	mu    sync.RWMutex
	creds map[key]models.Credential
	now   func() time.Time
}

func NewStatic() *Static {
	return &Static{
		creds: make(map[key]models.Credential),
		now:   time.Now,
	}
}

// Put stores the credential a user token holds for a resource.
func (s *Static) Put(gatewayID, userToken, resourceID string, cred models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[key{gatewayID: gatewayID, userToken: userToken, resourceID: resourceID}] = cred
}

func (s *Static) GetCredential(_ context.Context, gatewayID, userToken, resourceID string) (models.Credential, error) {
	s.mu.RLock()
	cred, ok := s.creds[key{gatewayID: gatewayID, userToken: userToken, resourceID: resourceID}]
	s.mu.RUnlock()

	if !ok {
		return models.Credential{}, &CredentialError{ResourceID: resourceID, Err: ErrNotFound}
	}

	return checkExpiry(resourceID, cred, s.now())
}
