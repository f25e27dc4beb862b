package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrClosed is returned when publishing to a closed publisher
var ErrClosed = errors.New("publisher closed")

// Publisher delivers committed repository events
type Publisher interface {
	Publish(ctx context.Context, ev RepoEvent) error
	Close() error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, ev RepoEvent) error

// Publish calls f
func (f PublisherFunc) Publish(ctx context.Context, ev RepoEvent) error {
	return f(ctx, ev)
}

// Close does nothing
func (f PublisherFunc) Close() error {
	return nil
}

// ChannelPublisher hands events to an in-process channel
type ChannelPublisher struct {
	mu     sync.RWMutex
	ch     chan RepoEvent
	closed bool
}

// NewChannelPublisher creates a channel publisher with the given buffer
func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan RepoEvent, buffer)}
}

// Events returns the receive side of the channel
func (p *ChannelPublisher) Events() <-chan RepoEvent {
	return p.ch
}

// Publish blocks until the event is buffered or ctx is done
func (p *ChannelPublisher) Publish(ctx context.Context, ev RepoEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel
func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// MultiPublisher fans each event out to every publisher
type MultiPublisher []Publisher

// Publish sends ev to all publishers and joins their errors
func (m MultiPublisher) Publish(ctx context.Context, ev RepoEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all publishers
func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// NATSConfig configures a NATSPublisher
type NATSConfig struct {
	URL           string        `yaml:"url" validate:"required,url"`
	Subject       string        `yaml:"subject" validate:"required"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout"`
}

// NATSPublisher publishes events as JSON on a NATS subject. The event type
// suffix is appended to the subject, e.g. repo.events.node.Created.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher connects to the server in cfg
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	return NewNATSPublisherConn(conn, cfg.Subject, logger), nil
}

// NewNATSPublisherConn wraps an existing connection
func NewNATSPublisherConn(conn *nats.Conn, subject string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// Subject returns the subject an event is published on
func (p *NATSPublisher) Subject(ev RepoEvent) string {
	return p.subject + "." + strings.TrimPrefix(ev.Type, "org.alfresco.event.")
}

// Publish sends ev with the CloudEvents binary-mode headers set
func (p *NATSPublisher) Publish(ctx context.Context, ev RepoEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	msg := nats.NewMsg(p.Subject(ev))
	msg.Data = data
	msg.Header.Set("ce-specversion", ev.SpecVersion)
	msg.Header.Set("ce-type", ev.Type)
	msg.Header.Set("ce-id", ev.ID)
	msg.Header.Set("ce-source", ev.Source)
	msg.Header.Set("Content-Type", ev.DataContentType)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	p.logger.Debug("event published", "subject", msg.Subject, "type", ev.Type, "id", ev.ID)
	return nil
}

// Close drains the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
