package fulfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/netpass/coinwallet/internal/domain"
)

// HTTPClient calls the external fulfillment service that provisions and
// delivers the purchased credential. Any non-2xx answer is a failure the
// checkout saga compensates for.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) Fulfill(ctx context.Context, order *domain.Order) error {
	body, err := json.Marshal(order)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fulfill", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fulfillment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fulfillment service returned %d", resp.StatusCode)
	}
	return nil
}

// CredentialStore is the slice of storage the local issuer writes to.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *domain.Credential) error
}

// LocalIssuer provisions credentials directly in our own store. Used in
// dev and in deployments where delivery is handled by this service.
type LocalIssuer struct {
	store      CredentialStore
	periodDays int
}

func NewLocalIssuer(store CredentialStore, periodDays int) *LocalIssuer {
	if periodDays <= 0 {
		periodDays = 30
	}
	return &LocalIssuer{store: store, periodDays: periodDays}
}

func (l *LocalIssuer) Fulfill(ctx context.Context, order *domain.Order) error {
	now := time.Now().UTC()
	return l.store.CreateCredential(ctx, &domain.Credential{
		ID:         uuid.NewString(),
		AccountID:  order.AccountID,
		Label:      order.Description,
		PeriodDays: l.periodDays,
		RenewPrice: order.TotalDue,
		ExpiresAt:  now.AddDate(0, 0, l.periodDays),
		CreatedAt:  now,
	})
}
