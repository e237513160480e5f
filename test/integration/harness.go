// Package integration provides a reusable test harness for end-to-end
// testing of the claimflow server. It starts a full HTTP server behind real
// JWT verification, backed by in-memory stores and an asynchronous event
// gateway.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/audit"
	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/internal/events"
	"github.com/pitabwire/claimflow/internal/filestore"
	"github.com/pitabwire/claimflow/internal/idempotency"
	"github.com/pitabwire/claimflow/internal/notification"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/transport"
	"github.com/pitabwire/claimflow/internal/workflow"
	"github.com/pitabwire/claimflow/model"
)

// TestHarness encapsulates a fully wired claimflow instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer
	cfg    *config.Config

	// Internal components exposed for assertions that the HTTP surface
	// does not reveal.
	Claims        *workflow.MemoryClaimStore
	Engine        *workflow.Engine
	Blobs         *filestore.MemoryStore
	Audit         *audit.MemoryStore
	Notifications *notification.MemoryStore
	Idempotency   *idempotency.MemoryStore
	Gateway       *events.Gateway
}

// HarnessOption configures the test harness.
type HarnessOption func(*config.Config)

// WithIdempotency enables idempotent replay of claim actions.
func WithIdempotency() HarnessOption {
	return func(c *config.Config) {
		c.Idempotency.Enabled = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) {
		c.Server.HandlerTimeout = d
	}
}

// WithMaxUploadBytes caps the accepted upload size.
func WithMaxUploadBytes(n int64) HarnessOption {
	return func(c *config.Config) {
		c.Blobs.MaxUploadBytes = n
	}
}

// WithCORSOrigins sets the allowed CORS origins.
func WithCORSOrigins(origins ...string) HarnessOption {
	return func(c *config.Config) {
		c.Server.CORS.AllowedOrigins = origins
	}
}

// AdminIDs are the subjects the harness's admin directory reports.
var AdminIDs = []string{"admin-1", "admin-2"}

// NewTestHarness creates and starts a fully wired test server. The server
// and its background workers are stopped when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	issuer := newTokenIssuer(t)

	cfg := config.Defaults()
	cfg.Identity.Issuer = issuer.Issuer()
	cfg.Identity.Audience = issuer.Audience()
	cfg.Identity.JWKSURL = issuer.JWKSURL()
	cfg.Identity.AdminRole = "claims-admin"
	cfg.Events.Retry.BackoffInitial = time.Millisecond
	for _, opt := range opts {
		opt(cfg)
	}

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	claims := workflow.NewMemoryClaimStore()
	blobs := filestore.NewMemoryStore()
	auditStore := audit.NewMemoryStore()
	notes := notification.NewMemoryStore()
	notifier := notification.NewService(notes, notification.StaticDirectory(AdminIDs), logger)

	var idem *idempotency.MemoryStore
	var idemStore idempotency.Store
	if cfg.Idempotency.Enabled {
		idem = idempotency.NewMemoryStore()
		idemStore = idem
	}

	gateway, err := events.NewGateway(cfg.Events, auditStore, notifier, logger, metrics)
	if err != nil {
		t.Fatalf("create event gateway: %v", err)
	}

	engine := workflow.NewEngine(claims, workflow.NewEvaluator(model.RequiredDocumentTypes...), gateway, logger,
		workflow.WithMetrics(metrics),
		workflow.WithBlobDeleter(blobs),
	)

	keys := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:        cfg,
		Logger:        logger,
		Metrics:       metrics,
		Engine:        engine,
		Blobs:         blobs,
		Audit:         auditStore,
		Notifications: notifier,
		Idempotency:   idemStore,
		Authenticate:  transport.JWTAuthenticator(cfg.Identity, keys, logger),
		Readiness: observability.ReadinessChecks{
			ClaimStore:        claims,
			AuditStore:        auditStore,
			NotificationStore: notes,
			BlobStore:         blobs,
		},
		MetricsHandler: observability.HandlerFor(reg),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gateway.Close(ctx)
	})

	return &TestHarness{
		t:             t,
		server:        srv,
		issuer:        issuer,
		cfg:           cfg,
		Claims:        claims,
		Engine:        engine,
		Blobs:         blobs,
		Audit:         auditStore,
		Notifications: notes,
		Idempotency:   idem,
		Gateway:       gateway,
	}
}

// URL returns the base URL of the running server.
func (h *TestHarness) URL() string {
	return h.server.URL
}

// Config returns the effective configuration of the harness.
func (h *TestHarness) Config() *config.Config {
	return h.cfg
}

// Issuer exposes the token issuer for tests that craft their own tokens.
func (h *TestHarness) Issuer() *tokenIssuer {
	return h.issuer
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// PUT performs an authenticated PUT request without a body.
func (h *TestHarness) PUT(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, nil, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

// Upload posts a multipart document to path. An empty docType omits the
// document_type field.
func (h *TestHarness) Upload(path, token, docType, fileName, contentType string, content []byte) *http.Response {
	h.t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if docType != "" {
		if err := mw.WriteField("document_type", docType); err != nil {
			h.t.Fatalf("write document_type field: %v", err)
		}
	}
	part := make(textproto.MIMEHeader)
	part.Set("Content-Disposition", `form-data; name="file"; filename="`+fileName+`"`)
	if contentType != "" {
		part.Set("Content-Type", contentType)
	}
	w, err := mw.CreatePart(part)
	if err != nil {
		h.t.Fatalf("create file part: %v", err)
	}
	if _, err := w.Write(content); err != nil {
		h.t.Fatalf("write file part: %v", err)
	}
	if err := mw.Close(); err != nil {
		h.t.Fatalf("close multipart writer: %v", err)
	}

	return h.send(http.MethodPost, path, &buf, token, map[string]string{"Content-Type": mw.FormDataContentType()})
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
		if headers == nil {
			headers = map[string]string{}
		}
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}
	return h.send(method, path, bodyReader, token, headers)
}

func (h *TestHarness) send(method, path string, body io.Reader, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, body)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// drains the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and machine-readable code of an error
// response and returns the decoded envelope.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) model.ErrorEnvelope {
	t.Helper()
	var env model.ErrorEnvelope
	h.AssertJSON(t, resp, expected, &env)
	if env.Code != code {
		t.Fatalf("error code = %q, want %q (message %q)", env.Code, code, env.Message)
	}
	return env
}

// Eventually polls cond until it returns true or the deadline passes.
// Audit entries and notifications are written by the event gateway after
// the response is sent.
func (h *TestHarness) Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- Default test claims ---

// ClientClaims returns TestClaims for a policyholder.
func ClientClaims(id string) TestClaims {
	return TestClaims{
		SubjectID: id,
		Email:     id + "@drivers.example.com",
		Roles:     []string{"client"},
	}
}

// AdminClaims returns TestClaims for a claims adjuster.
func AdminClaims(id string) TestClaims {
	return TestClaims{
		SubjectID: id,
		Email:     id + "@insurer.example.com",
		Roles:     []string{"claims-admin"},
	}
}

// --- Fixtures ---

// ClaimView is the subset of the claim detail response the suite inspects.
type ClaimView struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"owner_id"`
	Status        model.ClaimStatus `json:"status"`
	DisplayStatus string            `json:"display_status"`
	Documents     []model.Document  `json:"documents"`
	Completeness  struct {
		CanSubmit    bool                 `json:"can_submit"`
		MissingTypes []model.DocumentType `json:"missing_types"`
	} `json:"completeness"`
	AvailableActions []model.Action `json:"available_actions"`
	RejectionReason  string         `json:"rejection_reason"`
	PaymentAmount    float64        `json:"payment_amount"`
}

// ClaimFixture returns a valid create-claim request body.
func ClaimFixture() map[string]any {
	return map[string]any{
		"vehicle_make":     "Subaru",
		"vehicle_model":    "Outback",
		"vehicle_year":     2021,
		"incident_date":    time.Now().AddDate(0, 0, -3).UTC().Format(time.RFC3339),
		"description":      "Hail damage to the roof and bonnet during a storm.",
		"estimated_damage": 4200.0,
	}
}

// CreateClaim files a claim as the token's subject and returns it.
func (h *TestHarness) CreateClaim(t *testing.T, token string) ClaimView {
	t.Helper()
	var c ClaimView
	h.AssertJSON(t, h.POST("/api/claims", ClaimFixture(), token), http.StatusCreated, &c)
	return c
}

// UploadRequired attaches one text document per required type.
func (h *TestHarness) UploadRequired(t *testing.T, token, claimID string) map[model.DocumentType]model.Document {
	t.Helper()
	docs := make(map[model.DocumentType]model.Document, len(model.RequiredDocumentTypes))
	for _, dt := range model.RequiredDocumentTypes {
		resp := h.Upload("/api/claims/"+claimID+"/documents", token, string(dt),
			string(dt)+".txt", "text/plain", []byte("scan of "+string(dt)))
		var res model.DocumentResult
		h.AssertJSON(t, resp, http.StatusCreated, &res)
		docs[dt] = res.Document
	}
	return docs
}

// Act posts a claim action and returns the raw response.
func (h *TestHarness) Act(claimID string, action model.Action, payload any, token string) *http.Response {
	h.t.Helper()
	if payload == nil {
		payload = map[string]any{}
	}
	return h.POST("/api/claims/"+claimID+"/actions/"+string(action), payload, token)
}

// AuditActions returns the audit actions recorded for a claim, newest
// first.
func (h *TestHarness) AuditActions(claimID string) []string {
	h.t.Helper()
	entries, _, err := h.Audit.List(context.Background(), model.AuditFilters{ResourceID: claimID, Limit: audit.MaxPageSize})
	if err != nil {
		h.t.Fatalf("list audit entries: %v", err)
	}
	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	return actions
}

// WaitForAudit blocks until every action has been recorded for the claim.
func (h *TestHarness) WaitForAudit(t *testing.T, claimID string, actions ...string) {
	t.Helper()
	h.Eventually(t, "audit "+strings.Join(actions, ","), func() bool {
		got := h.AuditActions(claimID)
		for _, a := range actions {
			if !slices.Contains(got, a) {
				return false
			}
		}
		return true
	})
}

// Inbox returns the notifications stored for userID.
func (h *TestHarness) Inbox(userID string) []model.Notification {
	h.t.Helper()
	inbox, err := h.Notifications.List(context.Background(), userID, 1, 100)
	if err != nil {
		h.t.Fatalf("list notifications: %v", err)
	}
	return inbox.Notifications
}

// HasNotification reports whether userID has a notification of the given type.
func (h *TestHarness) HasNotification(userID, kind string) bool {
	for _, n := range h.Inbox(userID) {
		if n.Type == kind {
			return true
		}
	}
	return false
}
