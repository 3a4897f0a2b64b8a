// Package authz asks an external policy decision point whether a gateway user may act on an experiment.
// Every path that cannot produce an explicit permit denies.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrDenied = errors.New("access denied")

type Decision string

const (
	Permit        Decision = "Permit"
	Deny          Decision = "Deny"
	NotApplicable Decision = "NotApplicable"
	Indeterminate Decision = "Indeterminate"
)

// ParseDecision maps a decision string onto a Decision. Anything that is not
// a recognised decision is Indeterminate, which denies.
func ParseDecision(raw string) Decision {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "permit":
		return Permit
	case "deny":
		return Deny
	case "notapplicable", "not_applicable":
		return NotApplicable
	default:
		return Indeterminate
	}
}

func (d Decision) Allowed() bool {
	return d == Permit
}

const (
	ActionLaunch = "launch"
	ActionCancel = "cancel"
	ActionRead   = "read"
)

// Request describes the action being authorized.
type Request struct {
	GatewayID    string `json:"gateway_id"`
	UserToken    string `json:"-"`
	Owner        string `json:"owner,omitempty"`
	ExperimentID string `json:"experiment_id"`
	Action       string `json:"action"`
}

type Authorizer interface {
	Authorize(ctx context.Context, req Request) error
}

func denied(req Request, reason string) error {
	return fmt.Errorf("%w: %s on experiment %s: %s", ErrDenied, req.Action, req.ExperimentID, reason)
}

// AllowAll permits every request. It is used when no decision point is configured.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, Request) error { return nil }

// HTTPAuthorizer posts the request to a decision endpoint which answers with {"decision": "..."}.
type HTTPAuthorizer struct {
	logger *slog.Logger
	client *resty.Client
	path   string
}

func NewHTTPAuthorizer(logger *slog.Logger, baseURL string, timeout time.Duration) *HTTPAuthorizer {
	return &HTTPAuthorizer{
		logger: logger.With("module", "authz"),
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		path:   "/decisions",
	}
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, req Request) error {
	var out struct {
		Decision string `json:"decision"`
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetAuthToken(req.UserToken).
		SetBody(req).
		SetResult(&out).
		Post(a.path)
	if err != nil {
		a.logger.WarnContext(ctx, "Decision point unreachable", "experiment_id", req.ExperimentID, "error", err)

		return denied(req, "decision point unreachable")
	}

	if resp.StatusCode() != http.StatusOK {
		return denied(req, fmt.Sprintf("decision point returned %d", resp.StatusCode()))
	}

	decision := ParseDecision(out.Decision)
	if !decision.Allowed() {
		a.logger.InfoContext(ctx, "Request denied", "experiment_id", req.ExperimentID, "action", req.Action, "decision", decision)

		return denied(req, string(decision))
	}

	return nil
}
