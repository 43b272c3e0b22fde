package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client consumes the billing collaborator's credit-deduction endpoint. The
// ledger's internal accounting rules live on the other side; this client
// only carries the reservation/deduction contract.
type Client struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		Endpoint: endpoint,
		APIKey:   apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type deductRequest struct {
	UserID        string  `json:"user_id"`
	Amount        float64 `json:"amount"`
	Description   string  `json:"description"`
	ReferenceType string  `json:"reference_type"`
	ReferenceID   string  `json:"reference_id"`
}

func (c *Client) DeductCredits(ctx context.Context, userID string, amount float64, description, referenceType, referenceID string) error {
	body, err := json.Marshal(deductRequest{
		UserID:        userID,
		Amount:        amount,
		Description:   description,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
	})
	if err != nil {
		return fmt.Errorf("marshal deduct request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/credits/deduct", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build deduct request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("deduct credits for %s: %w", referenceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deduct credits for %s: unexpected status %d", referenceID, resp.StatusCode)
	}
	return nil
}
