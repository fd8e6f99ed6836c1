// Package conformance provides a test harness for verifying template store
// lifecycle compliance. It drives a fully wired service — repository, HTTP
// mux and event publishing — over the in-memory backend, so the state machine
// can be exercised end to end without external infrastructure.
package conformance

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/nhs-notify/template-store-go/internal/event"
	"github.com/nhs-notify/template-store-go/internal/jwks"
	"github.com/nhs-notify/template-store-go/internal/model"
	"github.com/nhs-notify/template-store-go/internal/repository"
	"github.com/nhs-notify/template-store-go/internal/server"
	"github.com/nhs-notify/template-store-go/internal/storage"
)

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// DefaultSupplier is the print supplier proof requests are routed to
	DefaultSupplier string

	// DeletedTTL is how long soft-deleted templates are retained
	DeletedTTL time.Duration
}

// Harness wires a complete template store instance for conformance testing.
type Harness struct {
	Store      storage.Store
	Repository *repository.Repository
	Publisher  *CapturePublisher
	Server     *httptest.Server
}

// CapturePublisher implements event.Publisher and records every published
// event so conformance tests can assert on the stream.
type CapturePublisher struct {
	mu        sync.Mutex
	Created   []model.Template
	Submitted []model.Template
	Deleted   []model.Template
	Proofed   []model.Template
}

var _ event.Publisher = (*CapturePublisher)(nil)

// PublishTemplateCreated implements event.Publisher.
func (p *CapturePublisher) PublishTemplateCreated(ctx context.Context, template model.Template) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Created = append(p.Created, template)
	return nil
}

// PublishTemplateSubmitted implements event.Publisher.
func (p *CapturePublisher) PublishTemplateSubmitted(ctx context.Context, template model.Template) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Submitted = append(p.Submitted, template)
	return nil
}

// PublishTemplateDeleted implements event.Publisher.
func (p *CapturePublisher) PublishTemplateDeleted(ctx context.Context, template model.Template) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Deleted = append(p.Deleted, template)
	return nil
}

// PublishProofRequested implements event.Publisher.
func (p *CapturePublisher) PublishProofRequested(ctx context.Context, template model.Template, supplier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Proofed = append(p.Proofed, template)
	return nil
}

// Close implements event.Publisher.
func (p *CapturePublisher) Close() error { return nil }

// NewHarness creates a new conformance test harness over the in-memory
// backend.
func NewHarness(cfg Config) *Harness {
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "conformance-issuer"
	}
	if cfg.JWTAudience == "" {
		cfg.JWTAudience = "conformance-audience"
	}
	if cfg.DefaultSupplier == "" {
		cfg.DefaultSupplier = "WTMMOCK"
	}
	if cfg.DeletedTTL == 0 {
		cfg.DeletedTTL = 30 * 24 * time.Hour
	}

	store := storage.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := repository.New(store, log, cfg.DeletedTTL)
	pub := &CapturePublisher{}

	mux := server.NewMux(repo, store, pub, nil, jwks.NewTestClient(), cfg.JWTIssuer, cfg.JWTAudience, nil, cfg.DefaultSupplier, nil)

	return &Harness{
		Store:      store,
		Repository: repo,
		Publisher:  pub,
		Server:     httptest.NewServer(mux),
	}
}

// Close shuts down the harness.
func (h *Harness) Close() {
	h.Server.Close()
	h.Store.Close()
}
