// Package payman sends gift payments through the Payman agent API.
//
// The API takes natural language instructions. A successful answer does not reliably
// carry a payment id, so Receipt.ProviderRef is best effort and may be empty.
package payman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"gitlab.com/dirk.krummacker/giftagent/internal/config"
	"gitlab.com/dirk.krummacker/giftagent/internal/gifting"
)

const (
	askPath        = "/api/ask"
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 4 << 10
)

// ErrRejected is returned when the API answers with a non-2xx status code.
var ErrRejected = errors.New("payment rejected")

// Client handles communication with the Payman API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// Ensure Client implements the payment sender used by the dispatcher.
var _ gifting.PaymentSender = (*Client)(nil)

// NewClient creates a client that authenticates with the OAuth2 client credentials
// grant and never sends more requests than the configured rate allows.
func NewClient(cfg config.PaymanConfig) *Client {
	credentials := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	httpClient := credentials.Client(context.Background())
	httpClient.Timeout = defaultTimeout
	return newClient(httpClient, cfg.BaseURL, rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst))
}

func newClient(httpClient *http.Client, baseURL string, limiter *rate.Limiter) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		limiter:    limiter,
	}
}

// askRequest is the body of an ask call.
type askRequest struct {
	Prompt   string            `json:"prompt"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// askResponse holds the fields of an ask answer that may identify the payment.
type askResponse struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	Reference     string `json:"reference"`
}

func (r askResponse) ref() string {
	switch {
	case r.TransactionID != "":
		return r.TransactionID
	case r.Reference != "":
		return r.Reference
	}
	return r.ID
}

// SendPayment asks the API to execute the payment. It blocks until the rate limiter
// admits the request or ctx is done.
func (c *Client) SendPayment(ctx context.Context, p gifting.Payment) (gifting.Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gifting.Receipt{}, fmt.Errorf("rate limit: %w", err)
	}

	body := askRequest{Prompt: p.Prompt(), Metadata: map[string]string{}}
	if p.PayeeId != "" {
		body.Metadata["payee_id"] = p.PayeeId
	}
	if p.CorrelationRef != "" {
		body.Metadata["correlation_ref"] = p.CorrelationRef
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return gifting.Receipt{}, fmt.Errorf("encode payment request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+askPath, bytes.NewReader(payload))
	if err != nil {
		return gifting.Receipt{}, fmt.Errorf("create payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return gifting.Receipt{}, fmt.Errorf("send payment request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return gifting.Receipt{}, fmt.Errorf("%w: status %d: %s", ErrRejected, res.StatusCode, bytes.TrimSpace(msg))
	}

	var answer askResponse
	if err := json.NewDecoder(res.Body).Decode(&answer); err != nil && !errors.Is(err, io.EOF) {
		// The payment went through. An unreadable answer only costs the reference.
		return gifting.Receipt{}, nil
	}
	return gifting.Receipt{ProviderRef: answer.ref()}, nil
}
