package panel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"panelbridge/internal/models"
)

// Failure taxonomy shared by every adapter. Callers classify with errors.Is;
// everything else wrapping these sentinels is panel-specific detail.
var (
	// ErrRemoteUnavailable covers network errors, timeouts and 5xx
	// responses. The worker treats the enrollment as unchanged for the
	// cycle and retries next cycle.
	ErrRemoteUnavailable = errors.New("remote panel unavailable")

	// ErrRemoteAuthFailed means the stored admin credential was rejected.
	// A configuration error, surfaced rather than silently retried.
	ErrRemoteAuthFailed = errors.New("remote panel rejected credentials")

	// ErrRemoteNotFound means the account no longer exists upstream.
	ErrRemoteNotFound = errors.New("remote account not found")

	// ErrCredentialUnavailable means the credential source could not
	// produce a usable credential. Treated like ErrRemoteAuthFailed.
	ErrCredentialUnavailable = errors.New("panel credential unavailable")
)

// ProvisionRequest carries the desired limits for a new remote account.
type ProvisionRequest struct {
	Username   string
	LimitBytes int64 // 0 = unlimited
	ExpireAt   *time.Time
	Template   string // optional panel-side template identity to seed from
}

// Adapter is the normalized five-operation contract over one panel product.
// Implementations are stateless per call; caching is layered above this
// boundary by the fetch cache.
type Adapter interface {
	// FetchUsage returns bytes consumed since the remote counter's epoch.
	FetchUsage(ctx context.Context, remoteUsername string) (int64, error)

	// FetchLinks returns the ordered connection-config links for the account.
	FetchLinks(ctx context.Context, remoteUsername string) ([]string, error)

	DisableAccount(ctx context.Context, remoteUsername string) error
	EnableAccount(ctx context.Context, remoteUsername string) error

	// ProvisionAccount creates a remote account and returns its identity
	// on the panel.
	ProvisionAccount(ctx context.Context, req ProvisionRequest) (string, error)
}

// CredentialSource resolves the administrative credential for a panel.
// Implementations may refresh expired tokens as a side effect.
type CredentialSource interface {
	Resolve(ctx context.Context, p *models.Panel) (string, error)
}

// Factory builds the adapter for a panel. The worker and the aggregator
// share one factory; tests substitute fakes.
type Factory func(p *models.Panel) (Adapter, error)

// NewFactory binds New to a credential source and call timeout.
func NewFactory(creds CredentialSource, timeout time.Duration) Factory {
	return func(p *models.Panel) (Adapter, error) {
		return New(p, creds, timeout)
	}
}

// New returns the adapter variant for the panel's product type.
func New(p *models.Panel, creds CredentialSource, timeout time.Duration) (Adapter, error) {
	switch p.Type {
	case models.PanelMarzban:
		return newMarzban(p, creds, timeout), nil
	case models.PanelRebecca:
		// Rebecca panels speak the Marzban wire protocol.
		return newMarzban(p, creds, timeout), nil
	case models.PanelMarzneshin:
		return newMarzneshin(p, creds, timeout), nil
	case models.PanelPasarguard:
		return newPasarguard(p, creds, timeout), nil
	case models.PanelSanaei:
		return newSanaei(p, creds, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported panel type %q", p.Type)
	}
}

// classifyStatus maps an HTTP response status to the failure taxonomy.
func classifyStatus(status int, body []byte) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: status %d", ErrRemoteAuthFailed, status)
	case status == 404:
		return fmt.Errorf("%w: status %d", ErrRemoteNotFound, status)
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrRemoteUnavailable, status)
	default:
		return fmt.Errorf("api error: %s (status: %d)", truncate(body, 200), status)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
