// Package ledger talks to the external economy ledger service that owns
// player balances and inventories. Missions never mutate balances directly;
// they authorize grants and hand them to the ledger with an idempotency key.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KDLN/aurelian-missions/internal/domain"
)

// Ledger grants reward bundles to users. Implementations must treat the
// idempotency key as authoritative: a repeated key is a no-op success.
type Ledger interface {
	Grant(ctx context.Context, userID string, bundle domain.RewardBundle, idempotencyKey string) error
}

// Client is an HTTP Ledger backed by the economy service.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewClient creates a ledger client with sane defaults. The default timeout
// is short: grants run inside a claim transaction that holds the store's
// single write connection, so a slow ledger blocks contributions for the
// whole timeout.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 3 * time.Second,
	}
}

// APIError wraps non-2xx responses from the ledger service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger error: status=%d body=%s", e.StatusCode, e.Body)
}

type grantRequest struct {
	UserID         string              `json:"user_id"`
	Gold           int64               `json:"gold,omitempty"`
	Items          []domain.RewardItem `json:"items,omitempty"`
	ServerBuff     string              `json:"server_buff,omitempty"`
	IdempotencyKey string              `json:"idempotency_key"`
}

// Grant posts one reward bundle. The ledger deduplicates on the idempotency
// key, so retrying after a network failure is always safe.
func (c *Client) Grant(ctx context.Context, userID string, bundle domain.RewardBundle, idempotencyKey string) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	body := grantRequest{
		UserID:         userID,
		Gold:           bundle.Gold,
		Items:          bundle.Items,
		ServerBuff:     bundle.ServerBuff,
		IdempotencyKey: idempotencyKey,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/v1/grants"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// Noop is a Ledger that accepts every grant. Used when no ledger service is
// configured, e.g. local development.
type Noop struct{}

func (Noop) Grant(ctx context.Context, userID string, bundle domain.RewardBundle, idempotencyKey string) error {
	return nil
}
