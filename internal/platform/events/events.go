// Package events publishes processing notifications to NATS. Payloads carry
// identifiers and counts only; test names and values never leave the host.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubject is the subject assembled-document events are published on.
const DefaultSubject = "labreport.document.assembled"

const (
	connectTimeout       = 5 * time.Second
	maxReconnectAttempts = 10
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("event publisher closed")

// DocumentAssembled announces that a document finished processing.
type DocumentAssembled struct {
	DocumentID    string    `json:"documentId"`
	OwnerID       string    `json:"ownerId"`
	ResultCount   int       `json:"resultCount"`
	AbnormalCount int       `json:"abnormalCount"`
	Discarded     int       `json:"discarded"`
	OCRMode       string    `json:"ocrMode"`
	AssembledAt   time.Time `json:"assembledAt"`
}

// Publisher sends events on a core NATS connection.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// Connect dials url and returns a Publisher for subject. An empty subject
// uses DefaultSubject.
func Connect(url, subject string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("labintel"),
		nats.Timeout(connectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnectAttempts),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewPublisher(nc, subject, logger), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc *nats.Conn, subject string, logger zerolog.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{
		nc:      nc,
		subject: subject,
		logger:  logger.With().Str("component", "events").Logger(),
	}
}

// Subject returns the subject events are published on.
func (p *Publisher) Subject() string { return p.subject }

// PublishDocumentAssembled publishes ev and flushes so delivery errors
// surface to the caller.
func (p *Publisher) PublishDocumentAssembled(ctx context.Context, ev DocumentAssembled) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrPublisherClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", p.subject, err)
	}
	p.logger.Debug().Str("document_id", ev.DocumentID).Int("results", ev.ResultCount).Msg("event published")
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
