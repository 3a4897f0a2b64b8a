package credential

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
)

// HTTPStore fetches credentials from a remote credential service:
//
//	GET {base}/gateways/{gatewayID}/credentials/{resourceID}
//	Authorization: Bearer {userToken}
type HTTPStore struct {
	logger *slog.Logger
	client *resty.Client
	now    func() time.Time
}

type credentialResponse struct {
	AccessKey string            `json:"access_key"`
	Secret    string            `json:"secret"`
	Expiry    time.Time         `json:"expiry"`
	Extra     map[string]string `json:"extra"`
}

func NewHTTPStore(logger *slog.Logger, baseURL string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		logger: logger.With("module", "credential"),
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		now:    time.Now,
	}
}

func (s *HTTPStore) GetCredential(ctx context.Context, gatewayID, userToken, resourceID string) (models.Credential, error) {
	var out credentialResponse

	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(userToken).
		SetPathParams(map[string]string{"gateway": gatewayID, "resource": resourceID}).
		SetResult(&out).
		Get("/gateways/{gateway}/credentials/{resource}")
	if err != nil {
		return models.Credential{}, errkind.Wrap(errkind.Transfer, "credential lookup", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.Credential{}, &CredentialError{ResourceID: resourceID, Err: ErrUnauthorized}
	case http.StatusNotFound:
		return models.Credential{}, &CredentialError{ResourceID: resourceID, Err: ErrNotFound}
	default:
		s.logger.WarnContext(ctx, "Credential service returned an error", "resource_id", resourceID, "status", resp.StatusCode())

		return models.Credential{}, &CredentialError{
			ResourceID: resourceID,
			Err:        fmt.Errorf("credential service returned %d", resp.StatusCode()),
		}
	}

	return checkExpiry(resourceID, models.Credential{
		AccessKey: out.AccessKey,
		Secret:    out.Secret,
		Expiry:    out.Expiry,
		Extra:     out.Extra,
	}, s.now())
}
