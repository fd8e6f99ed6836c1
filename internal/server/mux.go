// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the template
// store service. It provides RESTful endpoints for template lifecycle
// operations with JWT authentication, payload schema validation, and event
// publishing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nhs-notify/template-store-go/internal/event"
	"github.com/nhs-notify/template-store-go/internal/identity"
	"github.com/nhs-notify/template-store-go/internal/jwks"
	"github.com/nhs-notify/template-store-go/internal/letterfiles"
	"github.com/nhs-notify/template-store-go/internal/metrics"
	"github.com/nhs-notify/template-store-go/internal/model"
	"github.com/nhs-notify/template-store-go/internal/outcome"
	"github.com/nhs-notify/template-store-go/internal/repository"
	"github.com/nhs-notify/template-store-go/internal/schema"
	"github.com/nhs-notify/template-store-go/internal/storage"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeyPrincipal     ContextKey = "principal"     // Stores the authenticated principal
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Authentication error codes, distinct from the store error taxonomy
	errCodeUnauthenticated = "UNAUTHENTICATED"
	errCodeUnauthorized    = "UNAUTHORIZED"
)

// tracerName identifies this service's spans.
const tracerName = "template-store"

// Principal is the authenticated caller context resolved from the bearer
// token and, when configured, the client configuration service.
type Principal struct {
	User            model.User // Acting internal user and their client
	CampaignID      string     // Default campaign for letter templates
	ProofingEnabled bool       // Whether the client may request proofs
}

// Mux handles HTTP requests for the template store service.
// It implements all the required endpoints and manages dependencies
// such as the repository, event publishing, and identity validation.
type Mux struct {
	mux         *http.ServeMux           // HTTP request multiplexer
	repo        *repository.Repository   // Template store operations
	store       storage.Store            // Storage handle for readiness checks
	p           event.Publisher          // Event publisher for streaming updates
	id          *identity.Client         // Identity client for membership resolution
	jwksClient  *jwks.Client             // JWKS client for JWT validation
	jwtIssuer   string                   // Expected JWT issuer for validation
	jwtAudience string                   // Expected JWT audience for validation
	validator   *schema.Validator        // Schema validator for payload validation
	files       *letterfiles.S3Client    // S3 client for letter file operations
	metrics     *metrics.Metrics         // Metrics for monitoring

	// Proofing policy
	defaultSupplier string // Print supplier proofs are requested from

	// CORS configuration
	corsAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// NewMux creates a new HTTP mux with all template store endpoints.
// It initializes all dependencies and registers the HTTP handlers.
// Parameters:
//   - repo: Template repository implementing the lifecycle operations
//   - store: Storage handle used by the readiness probe
//   - p: Event publisher for streaming updates
//   - id: Identity client for client membership resolution (can be nil when
//     tokens carry a clientId claim)
//   - jwksClient: JWKS client for JWT validation (created from the issuer when nil)
//   - jwtIssuer: Expected JWT issuer for validation
//   - jwtAudience: Expected JWT audience for validation
//   - files: S3 client for letter file uploads (can be nil)
//   - defaultSupplier: Print supplier proof requests are routed to
//   - corsAllowedOrigins: Allowed origins for CORS
func NewMux(repo *repository.Repository, store storage.Store, p event.Publisher, id *identity.Client, jwksClient *jwks.Client, jwtIssuer, jwtAudience string, files *letterfiles.S3Client, defaultSupplier string, corsAllowedOrigins []string) *http.ServeMux {
	// Initialize payload validator
	validator, err := schema.NewValidator()
	if err != nil {
		slog.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	// Use provided JWKS client or create a new one
	if jwksClient == nil {
		jwksClient = jwks.NewClient(fmt.Sprintf("%s/.well-known/jwks.json", jwtIssuer))
	}

	m := &Mux{
		mux:                http.NewServeMux(),
		repo:               repo,
		store:              store,
		p:                  p,
		id:                 id,
		jwksClient:         jwksClient,
		jwtIssuer:          jwtIssuer,
		jwtAudience:        jwtAudience,
		validator:          validator,
		files:              files,
		metrics:            metrics.NewMetrics(),
		defaultSupplier:    defaultSupplier,
		corsAllowedOrigins: corsAllowedOrigins,
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Register template store endpoints with appropriate middleware
	m.mux.HandleFunc("/v1/templates", m.withMiddleware(m.handleTemplates))
	m.mux.HandleFunc("/v1/templates/", m.withMiddleware(m.handleTemplateByID))
	m.mux.HandleFunc("/v1/letter-files/upload", m.method("POST", m.withMiddleware(m.handleLetterFileUpload)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && r.Method != "OPTIONS" {
			m.writeError(w, http.StatusMethodNotAllowed, string(outcome.BadRequest), "method not allowed", correlationID(r.Context()), nil)
			return
		}
		h(w, r)
	}
}

// withMiddleware applies common middleware to handlers
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Handle CORS preflight requests
		if r.Method == "OPTIONS" {
			m.setCORSHeaders(w, r)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id, X-Lock-Number")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			w.WriteHeader(http.StatusOK)
			return
		}

		// Set CORS headers for regular requests
		m.setCORSHeaders(w, r)

		// Add correlation ID if not present
		cid := r.Header.Get("X-Correlation-Id")
		if cid == "" {
			cid = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, cid))
		w.Header().Set("X-Correlation-Id", cid)

		// All template endpoints act on behalf of a client, so every request
		// is authenticated.
		principal, err := m.authenticate(r)
		if err != nil {
			status := http.StatusUnauthorized
			code := errCodeUnauthenticated
			if errors.Is(err, errNoMembership) {
				status = http.StatusForbidden
				code = errCodeUnauthorized
			}
			m.writeError(w, status, code, err.Error(), cid, nil)
			m.logRequest(r, status, time.Since(start), cid, err)
			m.observeHTTP(r, status, time.Since(start))
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyPrincipal, principal))

		// Call the handler, capturing the status for logging and metrics
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		m.logRequest(r, rec.status, time.Since(start), cid, nil)
		m.observeHTTP(r, rec.status, time.Since(start))
	}
}

// setCORSHeaders sets the Access-Control-Allow-Origin header when the request
// origin is in the allow list.
func (m *Mux) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(m.corsAllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range m.corsAllowedOrigins {
		if allowed == "*" || allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			return
		}
	}
}

// statusRecorder captures the response status code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// errNoMembership marks an authenticated user with no client membership.
var errNoMembership = errors.New("user has no client membership")

// authenticate validates the bearer token and resolves the acting principal.
// The sub claim names the internal user; their client membership comes from
// the client configuration service when configured, or the clientId claim.
func (m *Mux) authenticate(r *http.Request) (Principal, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return Principal{}, errors.New("missing Authorization header")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Principal{}, errors.New("invalid Authorization header format")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims, err := m.jwksClient.ValidateJWT(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	if err != nil {
		return Principal{}, fmt.Errorf("failed to validate JWT: %w", err)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Principal{}, errors.New("missing or invalid sub claim")
	}

	principal := Principal{
		User: model.User{InternalUserID: sub},
	}
	if clientID, ok := claims["clientId"].(string); ok {
		principal.User.ClientID = clientID
	}
	if proofing, ok := claims["proofingEnabled"].(bool); ok {
		principal.ProofingEnabled = proofing
	}

	// The configuration service is authoritative when available; the claims
	// only serve deployments without it.
	if m.id != nil {
		membership, err := m.id.GetMembership(r.Context(), sub)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				return Principal{}, errNoMembership
			}
			return Principal{}, fmt.Errorf("failed to resolve client membership: %w", err)
		}
		principal.User.ClientID = membership.ClientID
		principal.CampaignID = membership.CampaignID
		principal.ProofingEnabled = membership.ProofingEnabled
	}

	if principal.User.ClientID == "" {
		return Principal{}, errNoMembership
	}

	return principal, nil
}

// correlationID reads the request correlation id from the context.
func correlationID(ctx context.Context) string {
	if cid, ok := ctx.Value(ContextKeyCorrelationID).(string); ok {
		return cid
	}
	return ""
}

// principal reads the authenticated principal from the context.
func principal(ctx context.Context) Principal {
	p, _ := ctx.Value(ContextKeyPrincipal).(Principal)
	return p
}

// lockNumber parses the X-Lock-Number header. An absent or unparsable header
// yields -1, which no record ever matches, so the write is refused as a
// conflict rather than silently skipping the optimistic lock.
func lockNumber(r *http.Request) int {
	header := r.Header.Get("X-Lock-Number")
	if header == "" {
		return -1
	}
	v, err := strconv.Atoi(header)
	if err != nil {
		return -1
	}
	return v
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the store error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errBody := map[string]interface{}{
		"code":             code,
		"statusCode":       statusCode,
		"technicalMessage": message,
		"correlationId":    correlationID,
	}
	if details != nil {
		errBody["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": errBody})
}

// writeStoreError writes a classified store error response
func (m *Mux) writeStoreError(w http.ResponseWriter, r *http.Request, operation string, err *outcome.StoreError) {
	m.metrics.ConditionFailureTotal.WithLabelValues(operation, string(err.Code)).Inc()
	if err.ActualError != nil {
		slog.ErrorContext(r.Context(), "template operation failed",
			"operation", operation,
			"code", err.Code,
			"error", err.ActualError,
		)
	}
	m.writeError(w, err.HTTPStatus(), string(err.Code), err.Description, correlationID(r.Context()), err.Details)
}

// writeResult writes a repository outcome, either the data envelope or the
// classified error, and records the operation metric.
func writeResult[T any](m *Mux, w http.ResponseWriter, r *http.Request, operation string, successCode int, result outcome.Result[T], start time.Time) {
	status := "success"
	if result.Error != nil {
		status = string(result.Error.Code)
	}
	m.metrics.TemplateOperationTotal.WithLabelValues(operation, status).Inc()
	m.metrics.TemplateOperationDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())

	if result.Error != nil {
		m.writeStoreError(w, r, operation, result.Error)
		return
	}
	m.writeSuccess(w, successCode, result.Data)
}

// observeHTTP records request metrics.
func (m *Mux) observeHTTP(r *http.Request, status int, duration time.Duration) {
	path := r.URL.Path
	if strings.HasPrefix(path, "/v1/templates/") {
		// Collapse template ids to keep label cardinality bounded.
		path = "/v1/templates/{id}"
	}
	m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if p, ok := r.Context().Value(ContextKeyPrincipal).(Principal); ok && p.User.InternalUserID != "" {
		attrs = append(attrs, slog.String("user_id", p.User.InternalUserID), slog.String("client_id", p.User.ClientID))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Fetch a record that cannot exist; ErrNotFound proves the backend is
	// reachable, anything else indicates a problem.
	_, err := m.store.Get(ctx, "health-check", model.ClientOwner("health-check").Key())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleTemplates dispatches the collection endpoints:
// POST /v1/templates and GET /v1/templates
func (m *Mux) handleTemplates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "POST":
		m.handleCreateTemplate(w, r)
	case "GET":
		m.handleListTemplates(w, r)
	default:
		m.writeError(w, http.StatusMethodNotAllowed, string(outcome.BadRequest), "method not allowed", correlationID(r.Context()), nil)
	}
}

// handleTemplateByID dispatches the per-template endpoints:
// GET/PUT/DELETE /v1/templates/{id} and
// PATCH /v1/templates/{id}/{submit|proof|approve}
func (m *Mux) handleTemplateByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/templates/")
	templateID, action, _ := strings.Cut(rest, "/")
	if templateID == "" {
		m.writeError(w, http.StatusBadRequest, string(outcome.BadRequest), "template id is required", correlationID(r.Context()), nil)
		return
	}

	switch {
	case action == "" && r.Method == "GET":
		m.handleGetTemplate(w, r, templateID)
	case action == "" && r.Method == "PUT":
		m.handleUpdateTemplate(w, r, templateID)
	case action == "" && r.Method == "DELETE":
		m.handleDeleteTemplate(w, r, templateID)
	case action == "submit" && r.Method == "PATCH":
		m.handleSubmitTemplate(w, r, templateID)
	case action == "proof" && r.Method == "PATCH":
		m.handleRequestProof(w, r, templateID)
	case action == "approve" && r.Method == "PATCH":
		m.handleApproveProof(w, r, templateID)
	default:
		m.writeError(w, http.StatusMethodNotAllowed, string(outcome.BadRequest), "method not allowed", correlationID(r.Context()), nil)
	}
}

// validatePayload runs the channel schema over a raw request body and records
// the validation metric. It returns the decoded payload map.
func (m *Mux) validatePayload(body []byte) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.New("invalid JSON")
	}

	channel, _ := payload["templateType"].(string)
	if err := m.validator.Validate(channel, payload); err != nil {
		m.metrics.SchemaValidationTotal.WithLabelValues(channel, "invalid").Inc()
		return nil, err
	}
	m.metrics.SchemaValidationTotal.WithLabelValues(channel, "valid").Inc()
	return payload, nil
}

// handleCreateTemplate handles POST /v1/templates
func (m *Mux) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleCreateTemplate")
	defer span.End()
	defer r.Body.Close()

	start := time.Now()
	p := principal(ctx)

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeError(w, http.StatusBadRequest, string(outcome.BadRequest), "invalid JSON", correlationID(ctx), nil)
		return
	}

	if _, err := m.validatePayload(body); err != nil {
		span.SetStatus(codes.Error, "payload validation failed")
		m.writeError(w, http.StatusBadRequest, string(outcome.BadRequest), err.Error(), correlationID(ctx), nil)
		return
	}

	var properties model.CreateTemplateProperties
	if err := json.Unmarshal(body, &properties); err != nil {
		m.writeError(w, http.StatusBadRequest, string(outcome.BadRequest), "invalid JSON", correlationID(ctx), nil)
		return
	}

	span.SetAttributes(
		attribute.String("templateType", string(properties.TemplateType)),
		attribute.String("clientId", p.User.ClientID),
	)

	// Letters carry files that must be uploaded and validated before the
	// template becomes actionable; message channels start ready to edit.
	initialStatus := model.StatusNotYetSubmitted
	if properties.TemplateType == model.TemplateTypeLetter {
		initialStatus = model.StatusPendingValidation
		properties.ProofingEnabled = properties.ProofingEnabled && p.ProofingEnabled
	}

	result := m.repo.Create(ctx, &properties, p.User, initialStatus, p.CampaignID)
	if result.Data != nil {
		if err := m.p.PublishTemplateCreated(ctx, *result.Data); err != nil {
			slog.Warn("failed to publish template created event", "error", err)
		}
	}

	writeResult(m, w, r, "create", http.StatusCreated, result, start)
}

// handleListTemplates handles GET /v1/templates
func (m *Mux) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleListTemplates")
	defer span.End()

	start := time.Now()
	p := principal(ctx)
	span.SetAttributes(attribute.String("clientId", p.User.ClientID))

	result := m.repo.List(ctx, p.User.ClientID)
	writeResult(m, w, r, "list", http.StatusOK, result, start)
}

// handleGetTemplate handles GET /v1/templates/{id}
func (m *Mux) handleGetTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleGetTemplate")
	defer span.End()

	start := time.Now()
	p := principal(ctx)
	span.SetAttributes(attribute.String("templateId", templateID))

	result := m.repo.Get(ctx, templateID, p.User.ClientID)
	writeResult(m, w, r, "get", http.StatusOK, result, start)
}

// handleUpdateTemplate handles PUT /v1/templates/{id}
func (m *Mux) handleUpdateTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleUpdateTemplate")
	defer span.End()
	defer r.Body.Close()

	start := time.Now()
	p := principal(ctx)
	lock := lockNumber(r)
	span.SetAttributes(
		attribute.String("templateId", templateID),
		attribute.Int("lockNumber", lock),
	)

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeError(w, http.StatusBadRequest, string(outcome.BadRequest), "invalid JSON", correlationID(ctx), nil)
		return
	}

	if _, err := m.validatePayload(body); err != nil {
		span.SetStatus(codes.Error, "payload validation failed")
		m.writeError(w, http.StatusBadRequest, string(outcome.BadRequest), err.Error(), correlationID(ctx), nil)
		return
	}

	var properties model.UpdateTemplateProperties
	if err := json.Unmarshal(body, &properties); err != nil {
		m.writeError(w, http.StatusBadRequest, string(outcome.BadRequest), "invalid JSON", correlationID(ctx), nil)
		return
	}

	// Content edits only apply before the template enters the pipeline.
	result := m.repo.Update(ctx, templateID, &properties, p.User, model.StatusNotYetSubmitted, lock)
	writeResult(m, w, r, "update", http.StatusOK, result, start)
}

// handleDeleteTemplate handles DELETE /v1/templates/{id}
func (m *Mux) handleDeleteTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleDeleteTemplate")
	defer span.End()

	start := time.Now()
	p := principal(ctx)
	lock := lockNumber(r)
	span.SetAttributes(
		attribute.String("templateId", templateID),
		attribute.Int("lockNumber", lock),
	)

	result := m.repo.Delete(ctx, templateID, p.User, lock)
	if result.Data != nil {
		if err := m.p.PublishTemplateDeleted(ctx, *result.Data); err != nil {
			slog.Warn("failed to publish template deleted event", "error", err)
		}
	}

	writeResult(m, w, r, "delete", http.StatusOK, result, start)
}

// handleSubmitTemplate handles PATCH /v1/templates/{id}/submit
func (m *Mux) handleSubmitTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleSubmitTemplate")
	defer span.End()

	start := time.Now()
	p := principal(ctx)
	lock := lockNumber(r)
	span.SetAttributes(
		attribute.String("templateId", templateID),
		attribute.Int("lockNumber", lock),
	)

	result := m.repo.Submit(ctx, templateID, p.User, lock)
	if result.Data != nil {
		if err := m.p.PublishTemplateSubmitted(ctx, *result.Data); err != nil {
			slog.Warn("failed to publish template submitted event", "error", err)
		}
	}

	writeResult(m, w, r, "submit", http.StatusOK, result, start)
}

// handleRequestProof handles PATCH /v1/templates/{id}/proof
func (m *Mux) handleRequestProof(w http.ResponseWriter, r *http.Request, templateID string) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleRequestProof")
	defer span.End()

	start := time.Now()
	p := principal(ctx)
	lock := lockNumber(r)
	span.SetAttributes(
		attribute.String("templateId", templateID),
		attribute.Int("lockNumber", lock),
		attribute.String("supplier", m.defaultSupplier),
	)

	result := m.repo.ProofRequestUpdate(ctx, templateID, p.User, lock)
	if result.Data != nil {
		if err := m.p.PublishProofRequested(ctx, *result.Data, m.defaultSupplier); err != nil {
			slog.Warn("failed to publish proof requested event", "error", err)
		}
	}

	writeResult(m, w, r, "proofRequest", http.StatusOK, result, start)
}

// handleApproveProof handles PATCH /v1/templates/{id}/approve
func (m *Mux) handleApproveProof(w http.ResponseWriter, r *http.Request, templateID string) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleApproveProof")
	defer span.End()

	start := time.Now()
	p := principal(ctx)
	lock := lockNumber(r)
	span.SetAttributes(
		attribute.String("templateId", templateID),
		attribute.Int("lockNumber", lock),
	)

	result := m.repo.ApproveProof(ctx, templateID, p.User, lock)
	writeResult(m, w, r, "approveProof", http.StatusOK, result, start)
}

// letterFileUploadRequest is the body of POST /v1/letter-files/upload.
type letterFileUploadRequest struct {
	TemplateID string `json:"templateId"`
	FileType   string `json:"fileType"`
	FileName   string `json:"fileName"`
}

// letterFileUploadData is the response body for a prepared upload.
type letterFileUploadData struct {
	VersionID string    `json:"versionId"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleLetterFileUpload handles POST /v1/letter-files/upload. It mints a
// version id for the upload and returns a presigned URL into the quarantine
// bucket; the virus scan pipeline reports back through the repository
// callbacks once the object lands.
func (m *Mux) handleLetterFileUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleLetterFileUpload")
	defer span.End()
	defer r.Body.Close()

	p := principal(ctx)

	var req letterFileUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeError(w, http.StatusBadRequest, string(outcome.BadRequest), "invalid JSON", correlationID(ctx), nil)
		return
	}

	fileType := model.FileType(req.FileType)
	if req.TemplateID == "" || req.FileName == "" || fileType.FieldName() == "" {
		m.writeError(w, http.StatusBadRequest, string(outcome.BadRequest), "templateId, fileType and fileName are required", correlationID(ctx), nil)
		return
	}

	span.SetAttributes(
		attribute.String("templateId", req.TemplateID),
		attribute.String("fileType", req.FileType),
	)

	if m.files == nil {
		m.writeError(w, http.StatusInternalServerError, string(outcome.Internal), "letter file storage is not configured", correlationID(ctx), nil)
		return
	}

	// The template must exist, belong to the caller and be a letter.
	result := m.repo.Get(ctx, req.TemplateID, p.User.ClientID)
	if result.Error != nil {
		m.writeStoreError(w, r, "letterFileUpload", result.Error)
		return
	}
	if result.Data.TemplateType != model.TemplateTypeLetter {
		m.writeError(w, http.StatusBadRequest, string(outcome.BadRequest), "letter files can only be uploaded to letter templates", correlationID(ctx), nil)
		return
	}

	versionID := letterfiles.NewVersionID()
	key := letterfiles.UploadKey(fileType, p.User.ClientID, req.TemplateID, versionID)

	uploadURL, expiresAt, err := m.files.GenerateUploadURL(ctx, key)
	if err != nil {
		span.SetStatus(codes.Error, "failed to generate upload URL")
		slog.ErrorContext(ctx, "failed to generate upload URL", "error", err)
		m.writeError(w, http.StatusInternalServerError, string(outcome.Internal), "failed to generate upload URL", correlationID(ctx), nil)
		return
	}

	m.writeSuccess(w, http.StatusOK, letterFileUploadData{
		VersionID: versionID,
		UploadURL: uploadURL,
		ExpiresAt: expiresAt,
	})
}
