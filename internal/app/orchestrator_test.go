package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/neomorfeo/marketiq/internal/domain"
)

type fakeSubs struct {
	subs   map[string]domain.Subscription
	audit  *fakeAudit
	params map[string][]domain.Parameter
}

func newFakeSubs(audit *fakeAudit) *fakeSubs {
	return &fakeSubs{
		subs:   make(map[string]domain.Subscription),
		audit:  audit,
		params: make(map[string][]domain.Parameter),
	}
}

func (f *fakeSubs) Upsert(_ context.Context, sub domain.Subscription) (bool, error) {
	_, exists := f.subs[sub.ID]
	if exists {
		existing := f.subs[sub.ID]
		existing.OfferID = sub.OfferID
		existing.PlanID = sub.PlanID
		existing.CustomerEmail = sub.CustomerEmail
		existing.CustomerName = sub.CustomerName
		f.subs[sub.ID] = existing
		return false, nil
	}
	f.subs[sub.ID] = sub
	return true, nil
}

func (f *fakeSubs) GetByID(_ context.Context, id string) (domain.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (f *fakeSubs) GetForCustomer(_ context.Context, id, customerEmail string) (domain.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok || sub.CustomerEmail != customerEmail {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (f *fakeSubs) ListForCustomer(_ context.Context, customerEmail string) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, sub := range f.subs {
		if sub.CustomerEmail == customerEmail {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeSubs) TransitionStatus(_ context.Context, id string, from, to domain.Status, actorID string) error {
	sub, ok := f.subs[id]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	if sub.Status != from {
		return fmt.Errorf("status changed concurrently: have %s, want %s", sub.Status, from)
	}
	sub.Status = to
	f.subs[id] = sub
	f.audit.entries = append(f.audit.entries, domain.AuditLogEntry{
		SubscriptionID: id,
		Attribute:      domain.AuditAttributeStatus,
		OldValue:       string(from),
		NewValue:       string(to),
		ActorID:        actorID,
	})
	return nil
}

func (f *fakeSubs) SaveParameters(_ context.Context, id string, params []domain.Parameter) error {
	f.params[id] = params
	return nil
}

type fakeAudit struct {
	entries []domain.AuditLogEntry
}

func (f *fakeAudit) Append(_ context.Context, entry domain.AuditLogEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAudit) ListBySubscription(_ context.Context, subscriptionID string) ([]domain.AuditLogEntry, error) {
	var out []domain.AuditLogEntry
	for _, e := range f.entries {
		if e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeProv struct {
	recs    map[string]domain.ProvisioningRecord
	upserts int
}

func newFakeProv() *fakeProv {
	return &fakeProv{recs: make(map[string]domain.ProvisioningRecord)}
}

func (f *fakeProv) Get(_ context.Context, subscriptionID string) (domain.ProvisioningRecord, error) {
	rec, ok := f.recs[subscriptionID]
	if !ok {
		return domain.ProvisioningRecord{}, domain.ErrProvisioningRecordNotFound
	}
	return rec, nil
}

func (f *fakeProv) Upsert(_ context.Context, rec domain.ProvisioningRecord) error {
	f.upserts++
	if existing, ok := f.recs[rec.SubscriptionID]; ok {
		existing.EnvironmentName = rec.EnvironmentName
		f.recs[rec.SubscriptionID] = existing
		return nil
	}
	f.recs[rec.SubscriptionID] = rec
	return nil
}

func (f *fakeProv) SetTenantID(_ context.Context, subscriptionID string, tenantID int64) error {
	rec := f.recs[subscriptionID]
	rec.TenantID = &tenantID
	f.recs[subscriptionID] = rec
	return nil
}

func (f *fakeProv) SetEnvironmentID(_ context.Context, subscriptionID string, environmentID int64) error {
	rec := f.recs[subscriptionID]
	rec.EnvironmentID = &environmentID
	f.recs[subscriptionID] = rec
	return nil
}

type fakePlans struct {
	plans map[string]domain.Plan
}

func newFakePlans() *fakePlans {
	return &fakePlans{plans: make(map[string]domain.Plan)}
}

func (f *fakePlans) SavePlans(_ context.Context, plans []domain.Plan) error {
	for _, p := range plans {
		f.plans[p.ID] = p
	}
	return nil
}

func (f *fakePlans) GetPlan(_ context.Context, planID string) (domain.Plan, error) {
	p, ok := f.plans[planID]
	if !ok {
		return domain.Plan{}, domain.ErrPlanNotFound
	}
	return p, nil
}

type fakeValidator struct{}

func (fakeValidator) Apply(_ context.Context, current domain.Status, event domain.Event) (domain.Status, error) {
	for _, t := range domain.Transitions {
		if t.Event == event && t.Src == current {
			return t.Dst, nil
		}
	}
	return "", &domain.TransitionError{Event: event, Current: current}
}

type fakeBilling struct {
	resolved    domain.ResolvedSubscription
	sub         domain.Subscription
	plans       []domain.Plan
	operationID string
	statuses    []domain.BillingOperationStatus
	statusCalls int
}

func (f *fakeBilling) ResolveToken(context.Context, string) (domain.ResolvedSubscription, error) {
	return f.resolved, nil
}

func (f *fakeBilling) GetSubscription(context.Context, string) (domain.Subscription, error) {
	return f.sub, nil
}

func (f *fakeBilling) GetPlans(context.Context, string) ([]domain.Plan, error) {
	return f.plans, nil
}

func (f *fakeBilling) ChangePlan(context.Context, string, string) (string, error) {
	return f.operationID, nil
}

func (f *fakeBilling) OperationStatus(context.Context, string, string) (domain.BillingOperationStatus, error) {
	if f.statusCalls >= len(f.statuses) {
		return domain.BillingOperationInProgress, nil
	}
	status := f.statuses[f.statusCalls]
	f.statusCalls++
	return status, nil
}

type fakeClient struct {
	createdTenants  []domain.CreateTenantRequest
	triggered       []domain.InstanceAutomationRequest
	deactivated     []int64
	disabled        []string
	editionChanges  []string
	tenantID        int64
	createErr       error
	subdomainResult domain.SubdomainAvailability
}

func (f *fakeClient) CreateTenant(_ context.Context, req domain.CreateTenantRequest) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.createdTenants = append(f.createdTenants, req)
	return nil
}

func (f *fakeClient) LookupTenantID(context.Context, string) (int64, error) {
	return f.tenantID, nil
}

func (f *fakeClient) SetTenantActive(_ context.Context, tenantID int64, active bool) error {
	if !active {
		f.deactivated = append(f.deactivated, tenantID)
	}
	return nil
}

func (f *fakeClient) ChangeEdition(_ context.Context, _ int64, planID string) error {
	f.editionChanges = append(f.editionChanges, planID)
	return nil
}

func (f *fakeClient) TriggerInstanceAutomation(_ context.Context, req domain.InstanceAutomationRequest) error {
	f.triggered = append(f.triggered, req)
	return nil
}

func (f *fakeClient) DisableInstance(_ context.Context, _, environmentName string) error {
	f.disabled = append(f.disabled, environmentName)
	return nil
}

func (f *fakeClient) CheckSubdomain(context.Context, string) (domain.SubdomainAvailability, error) {
	return f.subdomainResult, nil
}

type fakeNotifier struct {
	pushes []domain.Event
	err    error
}

func (f *fakeNotifier) Push(_ context.Context, _ string, event domain.Event, _ []domain.Parameter) error {
	if f.err != nil {
		return f.err
	}
	f.pushes = append(f.pushes, event)
	return nil
}

type fakeEmail struct {
	sent []string
	err  error
}

func (f *fakeEmail) SendActivationEmail(_ context.Context, recipient, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, recipient)
	return nil
}

type fixture struct {
	orch     *Orchestrator
	subs     *fakeSubs
	prov     *fakeProv
	plans    *fakePlans
	audit    *fakeAudit
	billing  *fakeBilling
	client   *fakeClient
	notifier *fakeNotifier
	email    *fakeEmail
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	audit := &fakeAudit{}
	subs := newFakeSubs(audit)
	prov := newFakeProv()
	plans := newFakePlans()
	billing := &fakeBilling{}
	client := &fakeClient{tenantID: 42}
	notifier := &fakeNotifier{}
	email := &fakeEmail{}
	validator := fakeValidator{}
	handlers := NewHandlers(subs, validator, notifier)
	orch := NewOrchestrator(cfg, subs, prov, plans, audit, billing, client, notifier, email, validator, handlers)
	return &fixture{
		orch:     orch,
		subs:     subs,
		prov:     prov,
		plans:    plans,
		audit:    audit,
		billing:  billing,
		client:   client,
		notifier: notifier,
		email:    email,
	}
}

func (f *fixture) seedSubscription(t *testing.T, id, offerID, planID, email string, status domain.Status) {
	t.Helper()
	sub := domain.NewSubscription(id, offerID, planID, email, "Test Customer")
	sub.Status = status
	f.subs.subs[id] = sub
}

const (
	tenantOffer   = "offer-tenant"
	instanceOffer = "offer-instance"
	customerEmail = "buyer@example.com"
)

func testConfig() Config {
	return Config{
		AutomaticProvisioning: true,
		TenantOfferID:         tenantOffer,
		WebhookSalt:           "salt",
		InstanceLocation:      "westeurope",
	}
}

func TestProcessOperationActivateTenant(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedSubscription(t, "sub-1", tenantOffer, "standard", customerEmail, domain.StatusPendingFulfillmentStart)

	err := f.orch.ProcessOperation(context.Background(), domain.OperationRequest{
		SubscriptionID:  "sub-1",
		PlanID:          "standard",
		Operation:       domain.OperationActivate,
		EnvironmentName: "acme",
		CustomerEmail:   customerEmail,
	})
	if err != nil {
		t.Fatalf("ProcessOperation: %v", err)
	}

	if len(f.client.createdTenants) != 1 {
		t.Fatalf("created %d tenants, want 1", len(f.client.createdTenants))
	}
	if got := f.client.createdTenants[0].EnvironmentName; got != "acme" {
		t.Errorf("tenant environment = %q, want acme", got)
	}

	sub := f.subs.subs["sub-1"]
	if sub.Status != domain.StatusSubscribed {
		t.Errorf("status = %s, want %s", sub.Status, domain.StatusSubscribed)
	}

	rec, ok := f.prov.recs["sub-1"]
	if !ok {
		t.Fatal("provisioning record missing")
	}
	if rec.PurchaseType != domain.PurchaseTenant {
		t.Errorf("purchase type = %q, want %q", rec.PurchaseType, domain.PurchaseTenant)
	}

	// One audit entry per transition.
	entries, _ := f.audit.ListBySubscription(context.Background(), "sub-1")
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[0].NewValue != string(domain.StatusPendingActivation) {
		t.Errorf("first audit new value = %q, want PendingActivation", entries[0].NewValue)
	}
	if entries[1].NewValue != string(domain.StatusSubscribed) {
		t.Errorf("second audit new value = %q, want Subscribed", entries[1].NewValue)
	}
}

func TestProcessOperationActivateInstance(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedSubscription(t, "sub-2", instanceOffer, "dedicated", customerEmail, domain.StatusPendingFulfillmentStart)

	err := f.orch.ProcessOperation(context.Background(), domain.OperationRequest{
		SubscriptionID:  "sub-2",
		PlanID:          "dedicated",
		Operation:       domain.OperationActivate,
		EnvironmentName: "bigcorp",
		CustomerEmail:   customerEmail,
	})
	if err != nil {
		t.Fatalf("ProcessOperation: %v", err)
	}

	if len(f.client.createdTenants) != 0 {
		t.Errorf("instance purchase created a tenant")
	}
	if len(f.client.triggered) != 1 {
		t.Fatalf("triggered %d automations, want 1", len(f.client.triggered))
	}
	trig := f.client.triggered[0]
	if trig.Location != "westeurope" {
		t.Errorf("automation location = %q, want westeurope", trig.Location)
	}
	if !trig.InsertDatabaseRecord || !trig.UpdateSettings || !trig.TriggerWorkflow {
		t.Error("automation flags not all set")
	}

	rec := f.prov.recs["sub-2"]
	if rec.PurchaseType != domain.PurchaseInstance {
		t.Errorf("purchase type = %q, want %q", rec.PurchaseType, domain.PurchaseInstance)
	}
}

func TestProcessOperationActivateIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedSubscription(t, "sub-3", tenantOffer, "standard", customerEmail, domain.StatusPendingFulfillmentStart)

	req := domain.OperationRequest{
		SubscriptionID:  "sub-3",
		PlanID:          "standard",
		Operation:       domain.OperationActivate,
		EnvironmentName: "first",
		CustomerEmail:   customerEmail,
	}
	if err := f.orch.ProcessOperation(context.Background(), req); err != nil {
		t.Fatalf("first activation: %v", err)
	}

	req.EnvironmentName = "second"
	if err := f.orch.ProcessOperation(context.Background(), req); err != nil {
		t.Fatalf("second activation: %v", err)
	}

	if len(f.prov.recs) != 1 {
		t.Fatalf("provisioning records = %d, want 1", len(f.prov.recs))
	}
	rec := f.prov.recs["sub-3"]
	if rec.EnvironmentName != "second" {
		t.Errorf("environment name = %q, want second", rec.EnvironmentName)
	}
	// Status already Subscribed; no extra transitions recorded.
	entries, _ := f.audit.ListBySubscription(context.Background(), "sub-3")
	if len(entries) != 2 {
		t.Errorf("audit entries after retry = %d, want 2", len(entries))
	}
}

func TestProcessOperationActivateFreemiumNamesEnvironment(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedSubscription(t, "sub-4", tenantOffer, "freemium-basic", customerEmail, domain.StatusPendingFulfillmentStart)

	err := f.orch.ProcessOperation(context.Background(), domain.OperationRequest{
		SubscriptionID: "sub-4",
		PlanID:         "freemium-basic",
		Operation:      domain.OperationActivate,
		CustomerEmail:  customerEmail,
	})
	if err != nil {
		t.Fatalf("ProcessOperation: %v", err)
	}

	rec := f.prov.recs["sub-4"]
	if !environmentNamePattern.MatchString(rec.EnvironmentName) {
		t.Errorf("environment name %q does not match expected pattern", rec.EnvironmentName)
	}
}

func TestProcessOperationActivateProvisioningFailureKeepsRecord(t *testing.T) {
	f := newFixture(t, testConfig())
	f.client.createErr = &domain.ExternalServiceError{Operation: "CreateTenant", StatusCode: 500}
	f.seedSubscription(t, "sub-5", tenantOffer, "standard", customerEmail, domain.StatusPendingFulfillmentStart)

	err := f.orch.ProcessOperation(context.Background(), domain.OperationRequest{
		SubscriptionID:  "sub-5",
		PlanID:          "standard",
		Operation:       domain.OperationActivate,
		EnvironmentName: "acme",
		CustomerEmail:   customerEmail,
	})
	if err != nil {
		t.Fatalf("ProcessOperation should not fail on provisioning error, got %v", err)
	}

	if _, ok := f.prov.recs["sub-5"]; !ok {
		t.Fatal("provisioning record missing after failed external call")
	}
	if f.subs.subs["sub-5"].Status != domain.StatusPendingFulfillmentStart {
		t.Errorf("status advanced despite failed provisioning")
	}
}

func TestProcessOperationDeactivateUsesStoredClassification(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedSubscription(t, "sub-6", tenantOffer, "standard", customerEmail, domain.StatusSubscribed)
	f.prov.recs["sub-6"] = domain.ProvisioningRecord{
		SubscriptionID:  "sub-6",
		EnvironmentName: "acme",
		PurchaseType:    domain.PurchaseTenant,
	}
	// A plan remap after purchase must not flip the path.
	f.plans.plans["standard"] = domain.Plan{ID: "standard", OfferID: instanceOffer}

	err := f.orch.ProcessOperation(context.Background(), domain.OperationRequest{
		SubscriptionID: "sub-6",
		PlanID:         "standard",
		Operation:      domain.OperationDeactivate,
		CustomerEmail:  customerEmail,
	})
	if err != nil {
		t.Fatalf("ProcessOperation: %v", err)
	}

	if len(f.client.deactivated) != 1 || f.client.deactivated[0] != 42 {
		t.Errorf("expected tenant 42 deactivated, got %v", f.client.deactivated)
	}
	if len(f.client.disabled) != 0 {
		t.Errorf("instance disable invoked for tenant purchase")
	}
	if got := f.prov.recs["sub-6"].TenantID; got == nil || *got != 42 {
		t.Errorf("looked-up tenant ID not persisted")
	}
	if f.subs.subs["sub-6"].Status != domain.StatusUnsubscribed {
		t.Errorf("status = %s, want Unsubscribed", f.subs.subs["sub-6"].Status)
	}
}

func TestProcessOperationDeactivateInstance(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedSubscription(t, "sub-7", instanceOffer, "dedicated", customerEmail, domain.StatusSubscribed)
	f.prov.recs["sub-7"] = domain.ProvisioningRecord{
		SubscriptionID:  "sub-7",
		EnvironmentName: "bigcorp",
		PurchaseType:    domain.PurchaseInstance,
	}

	err := f.orch.ProcessOperation(context.Background(), domain.OperationRequest{
		SubscriptionID: "sub-7",
		Operation:      domain.OperationDeactivate,
		CustomerEmail:  customerEmail,
	})
	if err != nil {
		t.Fatalf("ProcessOperation: %v", err)
	}

	if len(f.client.disabled) != 1 || f.client.disabled[0] != "bigcorp" {
		t.Errorf("disabled = %v, want [bigcorp]", f.client.disabled)
	}
	if len(f.client.deactivated) != 0 {
		t.Errorf("tenant deactivation invoked for instance purchase")
	}
}

func TestProcessOperationRejectsForeignCustomer(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedSubscription(t, "sub-8", tenantOffer, "standard", customerEmail, domain.StatusSubscribed)

	err := f.orch.ProcessOperation(context.Background(), domain.OperationRequest{
		SubscriptionID: "sub-8",
		Operation:      domain.OperationDeactivate,
		CustomerEmail:  "other@example.com",
	})
	if !errors.Is(err, domain.ErrSubscriptionNotFound) {
		t.Fatalf("err = %v, want ErrSubscriptionNotFound", err)
	}
	if f.subs.subs["sub-8"].Status != domain.StatusSubscribed {
		t.Error("foreign customer mutated subscription state")
	}
}

func TestProcessOperationFullLifecycle(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedSubscription(t, "sub-9", tenantOffer, "standard", customerEmail, domain.StatusPendingFulfillmentStart)

	activate := domain.OperationRequest{
		SubscriptionID:  "sub-9",
		PlanID:          "standard",
		Operation:       domain.OperationActivate,
		EnvironmentName: "acme",
		CustomerEmail:   customerEmail,
	}
	if err := f.orch.ProcessOperation(context.Background(), activate); err != nil {
		t.Fatalf("activate: %v", err)
	}

	deactivate := activate
	deactivate.Operation = domain.OperationDeactivate
	if err := f.orch.ProcessOperation(context.Background(), deactivate); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if f.subs.subs["sub-9"].Status != domain.StatusUnsubscribed {
		t.Fatalf("final status = %s, want Unsubscribed", f.subs.subs["sub-9"].Status)
	}

	entries, _ := f.audit.ListBySubscription(context.Background(), "sub-9")
	want := []string{
		string(domain.StatusPendingActivation),
		string(domain.StatusSubscribed),
		string(domain.StatusPendingUnsubscribe),
		string(domain.StatusUnsubscribed),
	}
	if len(entries) != len(want) {
		t.Fatalf("audit entries = %d, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].NewValue != w {
			t.Errorf("entry %d new value = %q, want %q", i, entries[i].NewValue, w)
		}
	}
}

func TestHandleAutomationCallback(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedSubscription(t, "sub-10", instanceOffer, "dedicated", customerEmail, domain.StatusSubscribed)
	f.prov.recs["sub-10"] = domain.ProvisioningRecord{
		SubscriptionID:  "sub-10",
		EnvironmentName: "bigcorp",
		PurchaseType:    domain.PurchaseInstance,
	}

	token := IntegrityToken("sub-10", "salt")
	if err := f.orch.HandleAutomationCallback(context.Background(), "sub-10", 77, token); err != nil {
		t.Fatalf("HandleAutomationCallback: %v", err)
	}

	if got := f.prov.recs["sub-10"].EnvironmentID; got == nil || *got != 77 {
		t.Errorf("environment ID not persisted")
	}
	if len(f.email.sent) != 1 || f.email.sent[0] != customerEmail {
		t.Errorf("activation email sent to %v, want [%s]", f.email.sent, customerEmail)
	}
}

func TestHandleAutomationCallbackRejectsBadToken(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedSubscription(t, "sub-11", instanceOffer, "dedicated", customerEmail, domain.StatusSubscribed)
	f.prov.recs["sub-11"] = domain.ProvisioningRecord{
		SubscriptionID:  "sub-11",
		EnvironmentName: "bigcorp",
		PurchaseType:    domain.PurchaseInstance,
	}

	err := f.orch.HandleAutomationCallback(context.Background(), "sub-11", 77, "forged")
	var authErr *domain.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthenticationError", err)
	}

	// Rejection must leave no trace.
	if f.prov.recs["sub-11"].EnvironmentID != nil {
		t.Error("environment ID written despite failed integrity check")
	}
	if len(f.email.sent) != 0 {
		t.Error("email sent despite failed integrity check")
	}
}

func TestResolveSubscriptionSeedsAudit(t *testing.T) {
	f := newFixture(t, testConfig())
	f.billing.resolved = domain.ResolvedSubscription{SubscriptionID: "sub-12", OfferID: tenantOffer, PlanID: "standard"}
	f.billing.sub = domain.NewSubscription("sub-12", tenantOffer, "standard", "", "")
	f.billing.plans = []domain.Plan{{ID: "standard", OfferID: tenantOffer}}

	sub, err := f.orch.ResolveSubscription(context.Background(), "token", customerEmail, "Test Customer")
	if err != nil {
		t.Fatalf("ResolveSubscription: %v", err)
	}
	if sub.CustomerEmail != customerEmail {
		t.Errorf("customer email = %q, want %q", sub.CustomerEmail, customerEmail)
	}

	entries, _ := f.audit.ListBySubscription(context.Background(), "sub-12")
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].OldValue != domain.StatusNone {
		t.Errorf("old value = %q, want None", entries[0].OldValue)
	}
	if entries[0].NewValue != string(domain.StatusPendingFulfillmentStart) {
		t.Errorf("new value = %q, want PendingFulfillmentStart", entries[0].NewValue)
	}

	// A second resolve must not seed again.
	if _, err := f.orch.ResolveSubscription(context.Background(), "token", customerEmail, "Test Customer"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	entries, _ = f.audit.ListBySubscription(context.Background(), "sub-12")
	if len(entries) != 1 {
		t.Errorf("audit entries after second resolve = %d, want 1", len(entries))
	}

	if _, err := f.plans.GetPlan(context.Background(), "standard"); err != nil {
		t.Errorf("plan not cached: %v", err)
	}
}

func TestChangePlanTenant(t *testing.T) {
	cfg := testConfig()
	cfg.PlanChangeTimeout = time.Second
	cfg.PlanChangePollInterval = time.Millisecond
	f := newFixture(t, cfg)
	f.seedSubscription(t, "sub-13", tenantOffer, "standard", customerEmail, domain.StatusSubscribed)
	f.prov.recs["sub-13"] = domain.ProvisioningRecord{
		SubscriptionID:  "sub-13",
		EnvironmentName: "acme",
		PurchaseType:    domain.PurchaseTenant,
	}
	f.billing.operationID = "op-1"
	f.billing.statuses = []domain.BillingOperationStatus{
		domain.BillingOperationInProgress,
		domain.BillingOperationSucceeded,
	}

	if err := f.orch.ChangePlan(context.Background(), "sub-13", "premium", customerEmail); err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}

	if len(f.client.editionChanges) != 1 || f.client.editionChanges[0] != "premium" {
		t.Errorf("edition changes = %v, want [premium]", f.client.editionChanges)
	}
	if f.subs.subs["sub-13"].PlanID != "premium" {
		t.Errorf("stored plan = %q, want premium", f.subs.subs["sub-13"].PlanID)
	}
}

func TestChangePlanTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.PlanChangeTimeout = 10 * time.Millisecond
	cfg.PlanChangePollInterval = time.Millisecond
	f := newFixture(t, cfg)
	f.seedSubscription(t, "sub-14", tenantOffer, "standard", customerEmail, domain.StatusSubscribed)
	f.billing.operationID = "op-2"

	err := f.orch.ChangePlan(context.Background(), "sub-14", "premium", customerEmail)
	var extErr *domain.ExternalServiceError
	if !errors.As(err, &extErr) {
		t.Fatalf("err = %v, want ExternalServiceError", err)
	}
	if f.subs.subs["sub-14"].PlanID != "standard" {
		t.Errorf("plan changed despite timed-out billing operation")
	}
}

func TestChangePlanFailedOperation(t *testing.T) {
	cfg := testConfig()
	cfg.PlanChangeTimeout = time.Second
	cfg.PlanChangePollInterval = time.Millisecond
	f := newFixture(t, cfg)
	f.seedSubscription(t, "sub-15", tenantOffer, "standard", customerEmail, domain.StatusSubscribed)
	f.billing.operationID = "op-3"
	f.billing.statuses = []domain.BillingOperationStatus{domain.BillingOperationFailed}

	err := f.orch.ChangePlan(context.Background(), "sub-15", "premium", customerEmail)
	var extErr *domain.ExternalServiceError
	if !errors.As(err, &extErr) {
		t.Fatalf("err = %v, want ExternalServiceError", err)
	}
	if len(f.client.editionChanges) != 0 {
		t.Error("edition changed despite failed billing operation")
	}
}

func TestAuditTrailScopedToCustomer(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedSubscription(t, "sub-16", tenantOffer, "standard", customerEmail, domain.StatusSubscribed)

	if _, err := f.orch.AuditTrail(context.Background(), "sub-16", "other@example.com"); !errors.Is(err, domain.ErrSubscriptionNotFound) {
		t.Fatalf("err = %v, want ErrSubscriptionNotFound", err)
	}
}
