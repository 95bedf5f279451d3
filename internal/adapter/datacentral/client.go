// Package datacentral implements the tenant provisioning client against
// the DataCentral platform API.
package datacentral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/neomorfeo/marketiq/internal/domain"
)

// The provisioning API nests its application endpoints under this prefix.
const apiInfix = "/api/services/app"

// Compile-time check: Client implements domain.ProvisioningClient.
var _ domain.ProvisioningClient = (*Client)(nil)

// Config holds the provisioning API settings.
type Config struct {
	// BaseURL is the root of the provisioning API, without the /api infix.
	BaseURL string
	// APIKey is sent as the x-api-key header on every request.
	APIKey string
	// AutomationURL is the instance automation trigger endpoint.
	AutomationURL string
	// SubdomainCheckURL is the subdomain availability endpoint.
	SubdomainCheckURL string
	// Editions maps plan IDs to the external system's numeric edition IDs.
	// Values are kept as strings because they arrive from configuration;
	// a non-numeric value surfaces as a ConfigurationError at call time.
	Editions map[string]string
	// Location is passed through on instance automation requests.
	Location string
}

// Client calls the external provisioning API. It is stateless apart from
// configuration; there is no built-in retry, callers re-invoke idempotently.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a provisioning client. External calls are bounded at 30s;
// a timeout surfaces as a retryable ExternalServiceError.
func New(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// editionID resolves the numeric edition for a plan from configuration.
func (c *Client) editionID(planID string) (int64, error) {
	raw, ok := c.cfg.Editions[planID]
	if !ok {
		return 0, &domain.ConfigurationError{Key: "editions." + planID, Reason: "no edition mapping for plan"}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &domain.ConfigurationError{Key: "editions." + planID, Reason: fmt.Sprintf("edition %q is not numeric", raw)}
	}
	return id, nil
}

type createTenantRequest struct {
	TenancyName                            string `json:"tenancyName"`
	Name                                   string `json:"name"`
	AdminEmailAddress                      string `json:"adminEmailAddress"`
	AdminName                              string `json:"adminName"`
	EditionID                              int64  `json:"editionId"`
	SendActivationEmail                    bool   `json:"sendActivationEmail"`
	IsActive                               bool   `json:"isActive"`
	IsAdminUserAuthenticationSourceAzureAd bool   `json:"isAdminUserAuthenticationSourceAzureAd"`
}

// CreateTenant creates a shared tenant named after the environment.
func (c *Client) CreateTenant(ctx context.Context, req domain.CreateTenantRequest) error {
	editionID, err := c.editionID(req.PlanID)
	if err != nil {
		return err
	}

	body := createTenantRequest{
		TenancyName:                            req.EnvironmentName,
		Name:                                   req.EnvironmentName,
		AdminEmailAddress:                      req.AdminEmail,
		AdminName:                              req.AdminName,
		EditionID:                              editionID,
		SendActivationEmail:                    true,
		IsActive:                               true,
		IsAdminUserAuthenticationSourceAzureAd: true,
	}

	return c.do(ctx, "CreateTenant", http.MethodPost, c.cfg.BaseURL+apiInfix+"/Tenant/CreateTenant", body, nil)
}

type tenantAvailableResponse struct {
	Result struct {
		State             int    `json:"state"`
		TenantID          int64  `json:"tenantId"`
		ServerRootAddress string `json:"serverRootAddress"`
	} `json:"result"`
}

// tenantStateAvailable is the state value the API returns for an existing,
// reachable tenant.
const tenantStateAvailable = 1

// LookupTenantID resolves the external numeric tenant ID for an
// environment name via the availability endpoint.
func (c *Client) LookupTenantID(ctx context.Context, environmentName string) (int64, error) {
	body := struct {
		TenancyName string `json:"tenancyName"`
	}{TenancyName: environmentName}

	var resp tenantAvailableResponse
	if err := c.do(ctx, "IsTenantAvailable", http.MethodPost, c.cfg.BaseURL+apiInfix+"/Account/IsTenantAvailable", body, &resp); err != nil {
		return 0, err
	}

	if resp.Result.State != tenantStateAvailable {
		return 0, &domain.ExternalServiceError{
			Operation: "IsTenantAvailable",
			Err:       fmt.Errorf("tenant %q not found (state %d)", environmentName, resp.Result.State),
		}
	}

	return resp.Result.TenantID, nil
}

// tenantRecord is the full tenant record as returned by GetTenantForEdit
// and accepted by UpdateTenant. The API has no partial-update semantics:
// the whole record is fetched, one field mutated, and written back.
type tenantRecord struct {
	ID                     int64      `json:"id,omitempty"`
	TenancyName            string     `json:"tenancyName"`
	Name                   string     `json:"name"`
	ConnectionString       string     `json:"connectionString"`
	EditionID              *int64     `json:"editionId"`
	IsActive               bool       `json:"isActive"`
	SubscriptionEndDateUtc *time.Time `json:"subscriptionEndDateUtc"`
	IsInTrialPeriod        bool       `json:"isInTrialPeriod"`
}

func (c *Client) getTenantForEdit(ctx context.Context, tenantID int64) (tenantRecord, error) {
	var rec tenantRecord
	url := fmt.Sprintf("%s%s/Tenant/GetTenantForEdit?id=%d", c.cfg.BaseURL, apiInfix, tenantID)
	if err := c.do(ctx, "GetTenantForEdit", http.MethodGet, url, nil, &rec); err != nil {
		return tenantRecord{}, err
	}
	return rec, nil
}

func (c *Client) updateTenant(ctx context.Context, rec tenantRecord) error {
	rec.ID = 0 // UpdateTenant rejects an id field in the body.
	return c.do(ctx, "UpdateTenant", http.MethodPut, c.cfg.BaseURL+apiInfix+"/Tenant/UpdateTenant", rec, nil)
}

// SetTenantActive enables or disables a tenant via the read-modify-write
// sequence the API requires.
func (c *Client) SetTenantActive(ctx context.Context, tenantID int64, active bool) error {
	rec, err := c.getTenantForEdit(ctx, tenantID)
	if err != nil {
		return err
	}
	rec.IsActive = active
	return c.updateTenant(ctx, rec)
}

// ChangeEdition moves a tenant to the edition mapped from the given plan.
func (c *Client) ChangeEdition(ctx context.Context, tenantID int64, planID string) error {
	editionID, err := c.editionID(planID)
	if err != nil {
		return err
	}

	rec, err := c.getTenantForEdit(ctx, tenantID)
	if err != nil {
		return err
	}
	rec.EditionID = &editionID
	return c.updateTenant(ctx, rec)
}

type automationPayload struct {
	SubscriptionID       string `json:"subscriptionId"`
	EnvironmentName      string `json:"environmentName"`
	Location             string `json:"location"`
	AdminEmail           string `json:"adminEmail"`
	InsertDatabaseRecord bool   `json:"insertDatabaseRecord"`
	UpdateSettings       bool   `json:"updateSettings"`
	TriggerWorkflow      bool   `json:"triggerWorkflow"`
	Action               string `json:"action"`
}

// TriggerInstanceAutomation kicks off provisioning of a dedicated instance.
func (c *Client) TriggerInstanceAutomation(ctx context.Context, req domain.InstanceAutomationRequest) error {
	payload := automationPayload{
		SubscriptionID:       req.SubscriptionID,
		EnvironmentName:      req.EnvironmentName,
		Location:             req.Location,
		AdminEmail:           req.AdminEmail,
		InsertDatabaseRecord: req.InsertDatabaseRecord,
		UpdateSettings:       req.UpdateSettings,
		TriggerWorkflow:      req.TriggerWorkflow,
		Action:               "provision",
	}
	return c.do(ctx, "TriggerInstanceAutomation", http.MethodPost, c.cfg.AutomationURL, payload, nil)
}

// DisableInstance asks the automation side to take a dedicated instance
// out of service.
func (c *Client) DisableInstance(ctx context.Context, subscriptionID, environmentName string) error {
	payload := automationPayload{
		SubscriptionID:  subscriptionID,
		EnvironmentName: environmentName,
		Location:        c.cfg.Location,
		Action:          "disable",
	}
	return c.do(ctx, "DisableInstance", http.MethodPost, c.cfg.AutomationURL, payload, nil)
}

type subdomainCheckResponse struct {
	IsAvailable      bool   `json:"isAvailable"`
	SourceOfConflict string `json:"sourceOfConflict"`
}

// CheckSubdomain reports whether an environment name is free to claim.
func (c *Client) CheckSubdomain(ctx context.Context, name string) (domain.SubdomainAvailability, error) {
	body := struct {
		Input string `json:"input"`
	}{Input: name}

	var resp subdomainCheckResponse
	if err := c.do(ctx, "CheckSubdomain", http.MethodPost, c.cfg.SubdomainCheckURL, body, &resp); err != nil {
		return domain.SubdomainAvailability{}, err
	}

	return domain.SubdomainAvailability{
		Available:        resp.IsAvailable,
		SourceOfConflict: resp.SourceOfConflict,
	}, nil
}

// do sends one request with the API key header and decodes the response
// into out when it is non-nil. Transport errors, non-2xx statuses, and
// schema mismatches all surface as ExternalServiceError.
func (c *Client) do(ctx context.Context, operation, method, url string, body, out any) error {
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
	req.Header.Set("x-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.ExternalServiceError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

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
