// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams template lifecycle events so downstream services (proofing,
// rendering, audit) can react without polling the store.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/nhs-notify/template-store-go/internal/model"
)

// Publisher interface defines the event publishing operations required by the
// template store service.
type Publisher interface {
	// Lifecycle events
	PublishTemplateCreated(ctx context.Context, template model.Template) error
	PublishTemplateSubmitted(ctx context.Context, template model.Template) error
	PublishTemplateDeleted(ctx context.Context, template model.Template) error

	// Proofing events
	PublishProofRequested(ctx context.Context, template model.Template, supplier string) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not
// configured. It allows the service to function without event streaming.
type noop struct{}

// Close implements Publisher.
func (n *noop) Close() error { return nil }

// PublishTemplateCreated implements Publisher.
func (n *noop) PublishTemplateCreated(ctx context.Context, template model.Template) error {
	return nil
}

// PublishTemplateSubmitted implements Publisher.
func (n *noop) PublishTemplateSubmitted(ctx context.Context, template model.Template) error {
	return nil
}

// PublishTemplateDeleted implements Publisher.
func (n *noop) PublishTemplateDeleted(ctx context.Context, template model.Template) error {
	return nil
}

// PublishProofRequested implements Publisher.
func (n *noop) PublishProofRequested(ctx context.Context, template model.Template, supplier string) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext

	// Deduplication fields: an event for the same template at the same lock
	// number has already been published once.
	dedup map[string]time.Time
	mutex sync.RWMutex
}

// NewPublisherFromEnv creates a new publisher based on environment
// configuration. It reads the TEMPLATES_NATS_URL environment variable to
// determine if NATS should be used. If NATS is not configured or connection
// fails, it returns a no-op publisher.
func NewPublisherFromEnv() Publisher {
	url := os.Getenv("TEMPLATES_NATS_URL")
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:    nc,
		js:    js,
		dedup: make(map[string]time.Time),
	}
}

// initStreams initializes the required NATS streams. The single
// NOTIFY_TEMPLATES stream carries all template lifecycle and proofing
// subjects.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "NOTIFY_TEMPLATES",
		Subjects:  []string{"templates.template.*", "templates.proof.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create NOTIFY_TEMPLATES stream: %w", err)
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup reports whether an event for this key was published within the
// last 2 minutes.
func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.dedup[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup records a publish and prunes stale entries.
func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}
	p.dedup[key] = time.Now()
}

// publish wraps a payload in the event envelope and publishes it.
func (p *natsPub) publish(subject, eventType, dedupKey string, payload any) error {
	if p.shouldDedup(dedupKey) {
		return nil
	}

	envelope := EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if _, err := p.js.Publish(subject, b); err != nil {
		return err
	}

	p.updateDedup(dedupKey)
	return nil
}

// PublishTemplateCreated publishes a template created event.
func (p *natsPub) PublishTemplateCreated(ctx context.Context, template model.Template) error {
	return p.publish(
		"templates.template.created",
		"templates.template.created",
		fmt.Sprintf("created:%s:%d", template.ID, template.LockNumber),
		template,
	)
}

// PublishTemplateSubmitted publishes a template submitted event.
func (p *natsPub) PublishTemplateSubmitted(ctx context.Context, template model.Template) error {
	return p.publish(
		"templates.template.submitted",
		"templates.template.submitted",
		fmt.Sprintf("submitted:%s:%d", template.ID, template.LockNumber),
		template,
	)
}

// PublishTemplateDeleted publishes a template deleted event.
func (p *natsPub) PublishTemplateDeleted(ctx context.Context, template model.Template) error {
	return p.publish(
		"templates.template.deleted",
		"templates.template.deleted",
		fmt.Sprintf("deleted:%s:%d", template.ID, template.LockNumber),
		template,
	)
}

// PublishProofRequested publishes a proof requested event carrying the
// supplier the proof was routed to.
func (p *natsPub) PublishProofRequested(ctx context.Context, template model.Template, supplier string) error {
	return p.publish(
		"templates.proof.requested",
		"templates.proof.requested",
		fmt.Sprintf("proof:%s:%d", template.ID, template.LockNumber),
		struct {
			Template model.Template `json:"template"`
			Supplier string         `json:"supplier"`
		}{Template: template, Supplier: supplier},
	)
}
