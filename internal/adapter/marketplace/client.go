// Package marketplace is a thin typed client for the marketplace billing
// platform's fulfillment API. The platform itself is a black box to the
// reconciliation core; only these calls cross the boundary.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/neomorfeo/marketiq/internal/domain"
)

// Compile-time check: Client implements domain.BillingClient.
var _ domain.BillingClient = (*Client)(nil)

// Config holds the billing API settings.
type Config struct {
	BaseURL string
	APIKey  string
}

// Client calls the marketplace fulfillment API.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a billing client with a 30s bound on each call.
func New(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type resolveResponse struct {
	ID               string `json:"id"`
	SubscriptionName string `json:"subscriptionName"`
	OfferID          string `json:"offerId"`
	PlanID           string `json:"planId"`
}

// ResolveToken exchanges a marketplace purchase token for the subscription
// it identifies.
func (c *Client) ResolveToken(ctx context.Context, token string) (domain.ResolvedSubscription, error) {
	var resp resolveResponse
	err := c.do(ctx, "ResolveToken", http.MethodPost, c.cfg.BaseURL+"/subscriptions/resolve",
		map[string]string{"x-ms-marketplace-token": token}, nil, &resp)
	if err != nil {
		return domain.ResolvedSubscription{}, err
	}

	return domain.ResolvedSubscription{
		SubscriptionID:   resp.ID,
		SubscriptionName: resp.SubscriptionName,
		OfferID:          resp.OfferID,
		PlanID:           resp.PlanID,
	}, nil
}

type subscriptionResponse struct {
	ID         string `json:"id"`
	OfferID    string `json:"offerId"`
	PlanID     string `json:"planId"`
	SaasStatus string `json:"saasSubscriptionStatus"`
	Beneficiary struct {
		EmailID string `json:"emailId"`
	} `json:"beneficiary"`
	Name string `json:"name"`
}

// GetSubscription fetches the current subscription record from the
// billing platform.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (domain.Subscription, error) {
	var resp subscriptionResponse
	err := c.do(ctx, "GetSubscription", http.MethodGet, c.cfg.BaseURL+"/subscriptions/"+subscriptionID, nil, nil, &resp)
	if err != nil {
		return domain.Subscription{}, err
	}

	sub := domain.NewSubscription(resp.ID, resp.OfferID, resp.PlanID, resp.Beneficiary.EmailID, resp.Name)
	if resp.SaasStatus != "" {
		sub.Status = domain.Status(resp.SaasStatus)
	}
	return sub, nil
}

type plansResponse struct {
	Plans []struct {
		PlanID      string `json:"planId"`
		DisplayName string `json:"displayName"`
	} `json:"plans"`
	OfferID string `json:"offerId"`
}

// GetPlans lists the plans purchasable under the subscription's offer.
func (c *Client) GetPlans(ctx context.Context, subscriptionID string) ([]domain.Plan, error) {
	var resp plansResponse
	err := c.do(ctx, "GetPlans", http.MethodGet, c.cfg.BaseURL+"/subscriptions/"+subscriptionID+"/listAvailablePlans", nil, nil, &resp)
	if err != nil {
		return nil, err
	}

	plans := make([]domain.Plan, 0, len(resp.Plans))
	for _, p := range resp.Plans {
		plans = append(plans, domain.Plan{
			ID:          p.PlanID,
			OfferID:     resp.OfferID,
			DisplayName: p.DisplayName,
		})
	}
	return plans, nil
}

// ChangePlan starts a plan change and returns the billing operation ID the
// caller polls with OperationStatus.
func (c *Client) ChangePlan(ctx context.Context, subscriptionID, planID string) (string, error) {
	body := struct {
		PlanID string `json:"planId"`
	}{PlanID: planID}

	var resp struct {
		OperationID string `json:"operationId"`
	}
	err := c.do(ctx, "ChangePlan", http.MethodPatch, c.cfg.BaseURL+"/subscriptions/"+subscriptionID, nil, body, &resp)
	if err != nil {
		return "", err
	}
	return resp.OperationID, nil
}

// OperationStatus fetches the state of a long-running billing operation.
func (c *Client) OperationStatus(ctx context.Context, subscriptionID, operationID string) (domain.BillingOperationStatus, error) {
	var resp struct {
		Status string `json:"status"`
	}
	url := c.cfg.BaseURL + "/subscriptions/" + subscriptionID + "/operations/" + operationID
	if err := c.do(ctx, "OperationStatus", http.MethodGet, url, nil, nil, &resp); err != nil {
		return "", err
	}
	return domain.BillingOperationStatus(resp.Status), nil
}

func (c *Client) do(ctx context.Context, operation, method, url string, headers map[string]string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", operation, err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("building %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.ExternalServiceError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrSubscriptionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.ExternalServiceError{Operation: operation, StatusCode: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.ExternalServiceError{Operation: operation, Err: fmt.Errorf("decoding response: %w", err)}
		}
	}

	return nil
}
