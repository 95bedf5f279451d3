package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/neomorfeo/marketiq/internal/app"
	"github.com/neomorfeo/marketiq/internal/domain"
)

const timeFormat = "2006-01-02T15:04:05Z"

// SubscriptionResponse is the API representation of a subscription.
type SubscriptionResponse struct {
	ID            string `json:"id" doc:"Marketplace subscription ID"`
	OfferID       string `json:"offer_id" doc:"Marketplace offer"`
	PlanID        string `json:"plan_id" doc:"Purchased plan"`
	CustomerEmail string `json:"customer_email" doc:"Purchasing customer"`
	CustomerName  string `json:"customer_name" doc:"Customer display name"`
	Status        string `json:"status" doc:"Lifecycle state"`
	CreatedAt     string `json:"created_at" doc:"Creation timestamp (ISO 8601)"`
	UpdatedAt     string `json:"updated_at" doc:"Last update timestamp (ISO 8601)"`
}

func toSubscriptionResponse(s domain.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:            s.ID,
		OfferID:       s.OfferID,
		PlanID:        s.PlanID,
		CustomerEmail: s.CustomerEmail,
		CustomerName:  s.CustomerName,
		Status:        string(s.Status),
		CreatedAt:     s.CreatedAt.Format(timeFormat),
		UpdatedAt:     s.UpdatedAt.Format(timeFormat),
	}
}

// AuditEntryResponse is the API representation of one audit log entry.
type AuditEntryResponse struct {
	ID             int64  `json:"id" doc:"Entry sequence number"`
	SubscriptionID string `json:"subscription_id" doc:"Audited subscription"`
	Attribute      string `json:"attribute" doc:"Changed attribute"`
	OldValue       string `json:"old_value" doc:"Value before the change"`
	NewValue       string `json:"new_value" doc:"Value after the change"`
	ActorID        string `json:"actor_id" doc:"Who made the change"`
	CreatedAt      string `json:"created_at" doc:"Change timestamp (ISO 8601)"`
}

// --- Resolve ---

type ResolveInput struct {
	CustomerEmail string `header:"X-Customer-Email" doc:"Authenticated customer email"`
	Body          struct {
		Token        string `json:"token" minLength:"1" doc:"Marketplace purchase token"`
		CustomerName string `json:"customer_name,omitempty" doc:"Customer display name"`
	}
}

type ResolveOutput struct {
	Body SubscriptionResponse
}

// --- List ---

type ListSubscriptionsInput struct {
	CustomerEmail string `header:"X-Customer-Email" doc:"Authenticated customer email"`
}

type ListSubscriptionsOutput struct {
	Body []SubscriptionResponse
}

// --- Audit trail ---

type AuditTrailInput struct {
	ID            string `path:"id" doc:"Subscription ID"`
	CustomerEmail string `header:"X-Customer-Email" doc:"Authenticated customer email"`
}

type AuditTrailOutput struct {
	Body []AuditEntryResponse
}

// --- Operation ---

type OperationInput struct {
	ID            string `path:"id" doc:"Subscription ID"`
	CustomerEmail string `header:"X-Customer-Email" doc:"Authenticated customer email"`
	Body          struct {
		Operation       string `json:"operation" enum:"Activate,Deactivate" doc:"Operation to reconcile"`
		PlanID          string `json:"plan_id,omitempty" doc:"Purchased plan"`
		EnvironmentName string `json:"environment_name,omitempty" doc:"Requested environment name"`
		Parameters      []struct {
			Name  string `json:"name"`
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"parameters,omitempty" doc:"Caller-supplied parameters"`
	}
}

type OperationOutput struct {
	Body SubscriptionResponse
}

// --- Plan change ---

type PlanChangeInput struct {
	ID            string `path:"id" doc:"Subscription ID"`
	CustomerEmail string `header:"X-Customer-Email" doc:"Authenticated customer email"`
	Body          struct {
		PlanID string `json:"plan_id" minLength:"1" doc:"Target plan"`
	}
}

type PlanChangeOutput struct {
	Body SubscriptionResponse
}

// --- Automation callback ---

type AutomationCallbackInput struct {
	Body struct {
		SubscriptionID string `json:"subscription_id" minLength:"1" doc:"Subscription the callback is for"`
		EnvironmentID  int64  `json:"environment_id" doc:"External environment ID"`
		Token          string `json:"token" minLength:"1" doc:"Integrity token"`
	}
}

type AutomationCallbackOutput struct {
	Body struct {
		Accepted bool `json:"accepted"`
	}
}

// --- Subdomain check ---

type SubdomainCheckInput struct {
	Body struct {
		Name string `json:"name" minLength:"1" maxLength:"63" doc:"Environment name to check"`
	}
}

type SubdomainCheckOutput struct {
	Body struct {
		Available        bool   `json:"available"`
		SourceOfConflict string `json:"source_of_conflict,omitempty"`
	}
}

// Register adds all subscription API routes to the Huma API.
func Register(api huma.API, orch *app.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-subscription",
		Method:      http.MethodPost,
		Path:        "/api/v1/subscriptions/resolve",
		Summary:     "Resolve a marketplace purchase token",
		Tags:        []string{"Subscriptions"},
	}, func(ctx context.Context, input *ResolveInput) (*ResolveOutput, error) {
		sub, err := orch.ResolveSubscription(ctx, input.Body.Token, input.CustomerEmail, input.Body.CustomerName)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &ResolveOutput{Body: toSubscriptionResponse(sub)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subscriptions",
		Method:      http.MethodGet,
		Path:        "/api/v1/subscriptions",
		Summary:     "List the customer's subscriptions",
		Tags:        []string{"Subscriptions"},
	}, func(ctx context.Context, input *ListSubscriptionsInput) (*ListSubscriptionsOutput, error) {
		subs, err := orch.ListSubscriptions(ctx, input.CustomerEmail)
		if err != nil {
			return nil, toHumaError(err)
		}
		resp := make([]SubscriptionResponse, len(subs))
		for i, s := range subs {
			resp[i] = toSubscriptionResponse(s)
		}
		return &ListSubscriptionsOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "subscription-audit-trail",
		Method:      http.MethodGet,
		Path:        "/api/v1/subscriptions/{id}/audit",
		Summary:     "List a subscription's audit trail",
		Tags:        []string{"Subscriptions"},
	}, func(ctx context.Context, input *AuditTrailInput) (*AuditTrailOutput, error) {
		entries, err := orch.AuditTrail(ctx, input.ID, input.CustomerEmail)
		if err != nil {
			return nil, toHumaError(err)
		}
		resp := make([]AuditEntryResponse, len(entries))
		for i, e := range entries {
			resp[i] = AuditEntryResponse{
				ID:             e.ID,
				SubscriptionID: e.SubscriptionID,
				Attribute:      e.Attribute,
				OldValue:       e.OldValue,
				NewValue:       e.NewValue,
				ActorID:        e.ActorID,
				CreatedAt:      e.CreatedAt.Format(timeFormat),
			}
		}
		return &AuditTrailOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-operation",
		Method:      http.MethodPost,
		Path:        "/api/v1/subscriptions/{id}/operations",
		Summary:     "Reconcile an activate or deactivate operation",
		Tags:        []string{"Subscriptions"},
	}, func(ctx context.Context, input *OperationInput) (*OperationOutput, error) {
		req := domain.OperationRequest{
			SubscriptionID:  input.ID,
			PlanID:          input.Body.PlanID,
			Operation:       input.Body.Operation,
			EnvironmentName: input.Body.EnvironmentName,
			CustomerEmail:   input.CustomerEmail,
		}
		for _, p := range input.Body.Parameters {
			req.Parameters = append(req.Parameters, domain.Parameter{Name: p.Name, Type: p.Type, Value: p.Value})
		}

		if err := orch.ProcessOperation(ctx, req); err != nil {
			return nil, toHumaError(err)
		}

		sub, err := orch.ListSubscriptions(ctx, input.CustomerEmail)
		if err != nil {
			return nil, toHumaError(err)
		}
		for _, s := range sub {
			if s.ID == input.ID {
				return &OperationOutput{Body: toSubscriptionResponse(s)}, nil
			}
		}
		return nil, huma.Error404NotFound("subscription not found")
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-plan",
		Method:      http.MethodPost,
		Path:        "/api/v1/subscriptions/{id}/plan",
		Summary:     "Change a subscription's plan",
		Tags:        []string{"Subscriptions"},
	}, func(ctx context.Context, input *PlanChangeInput) (*PlanChangeOutput, error) {
		if err := orch.ChangePlan(ctx, input.ID, input.Body.PlanID, input.CustomerEmail); err != nil {
			return nil, toHumaError(err)
		}

		subs, err := orch.ListSubscriptions(ctx, input.CustomerEmail)
		if err != nil {
			return nil, toHumaError(err)
		}
		for _, s := range subs {
			if s.ID == input.ID {
				return &PlanChangeOutput{Body: toSubscriptionResponse(s)}, nil
			}
		}
		return nil, huma.Error404NotFound("subscription not found")
	})

	huma.Register(api, huma.Operation{
		OperationID: "automation-callback",
		Method:      http.MethodPost,
		Path:        "/api/v1/webhooks/automation",
		Summary:     "Automation completion callback",
		Tags:        []string{"Webhooks"},
	}, func(ctx context.Context, input *AutomationCallbackInput) (*AutomationCallbackOutput, error) {
		err := orch.HandleAutomationCallback(ctx, input.Body.SubscriptionID, input.Body.EnvironmentID, input.Body.Token)
		if err != nil {
			return nil, toHumaError(err)
		}
		out := &AutomationCallbackOutput{}
		out.Body.Accepted = true
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-subdomain",
		Method:      http.MethodPost,
		Path:        "/api/v1/subdomains/check",
		Summary:     "Check environment name availability",
		Tags:        []string{"Subdomains"},
	}, func(ctx context.Context, input *SubdomainCheckInput) (*SubdomainCheckOutput, error) {
		avail, err := orch.CheckSubdomain(ctx, input.Body.Name)
		if err != nil {
			return nil, toHumaError(err)
		}
		out := &SubdomainCheckOutput{}
		out.Body.Available = avail.Available
		out.Body.SourceOfConflict = avail.SourceOfConflict
		return out, nil
	})
}

// toHumaError translates domain errors to Huma HTTP errors.
func toHumaError(err error) error {
	if errors.Is(err, domain.ErrSubscriptionNotFound) ||
		errors.Is(err, domain.ErrProvisioningRecordNotFound) ||
		errors.Is(err, domain.ErrPlanNotFound) {
		return huma.Error404NotFound("subscription not found")
	}

	var authErr *domain.AuthenticationError
	if errors.As(err, &authErr) {
		return huma.Error401Unauthorized("invalid integrity token")
	}

	var trErr *domain.TransitionError
	if errors.As(err, &trErr) {
		return huma.Error422UnprocessableEntity(trErr.Error())
	}

	var cfgErr *domain.ConfigurationError
	if errors.As(err, &cfgErr) {
		return huma.Error500InternalServerError(cfgErr.Error())
	}

	var extErr *domain.ExternalServiceError
	if errors.As(err, &extErr) {
		return huma.Error502BadGateway(extErr.Error())
	}

	return huma.Error500InternalServerError("internal server error")
}
