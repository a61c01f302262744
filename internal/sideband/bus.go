// Package sideband fans session sideband traffic and diagnostics out over
// NATS. Sideband messages use core NATS; diagnostics land in a JetStream
// stream so they survive the process.
package sideband

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/koscakluka/ema-classroom/core/events"
)

const (
	subjectPrefix       = "classroom"
	DefaultStream       = "CLASSROOM_DIAGNOSTICS"
	DefaultStreamMaxAge = 7 * 24 * time.Hour
)

// Publisher is the subset of *nats.Conn used for fan-out.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bus owns the NATS connection of a process.
type Bus struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	pub Publisher
	log *slog.Logger

	stream string
	maxAge time.Duration
}

type Option func(*Bus)

func WithStream(name string, maxAge time.Duration) Option {
	return func(b *Bus) {
		if name != "" {
			b.stream = name
		}
		if maxAge > 0 {
			b.maxAge = maxAge
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

func Connect(natsURL string, opts ...Option) (*Bus, error) {
	b := &Bus{log: slog.Default(), stream: DefaultStream, maxAge: DefaultStreamMaxAge}
	for _, opt := range opts {
		opt(b)
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("classroom"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	b.nc, b.js, b.pub = nc, js, nc
	return b, nil
}

// EnsureStream creates the diagnostics stream when it does not exist.
func (b *Bus) EnsureStream(ctx context.Context) error {
	if _, err := b.js.Stream(ctx, b.stream); err == nil {
		return nil
	}

	_, err := b.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      b.stream,
		Subjects:  []string{DiagnosticSubjects},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    b.maxAge,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", b.stream, err)
	}

	b.log.Info("created stream", "name", b.stream, "subjects", DiagnosticSubjects)
	return nil
}

// Diagnostics returns a handler that publishes every diagnostic.
func (b *Bus) Diagnostics() *DiagnosticPublisher {
	return NewDiagnosticPublisher(b.pub, b.log)
}

// Mirror wraps base so its sideband traffic is also published on NATS.
func (b *Bus) Mirror(sessionID string, base Transport) *MirroredTransport {
	return NewMirroredTransport(sessionID, base, b.pub, b.log)
}

// Close drains pending publishes and closes the connection.
func (b *Bus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.log.Warn("NATS drain failed", "error", err)
		b.nc.Close()
	}
}

// DiagnosticSubjects matches every diagnostic subject.
const DiagnosticSubjects = subjectPrefix + ".*.diagnostics.>"

func SidebandSubject(sessionID, topic string) string {
	return fmt.Sprintf("%s.%s.sideband.%s", subjectPrefix, token(sessionID), token(topic))
}

func DiagnosticSubject(sessionID string, code events.DiagnosticCode) string {
	return fmt.Sprintf("%s.%s.diagnostics.%s", subjectPrefix, token(sessionID), token(string(code)))
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// token makes value usable as a single subject token.
func token(value string) string {
	if value == "" {
		return "_"
	}
	return tokenReplacer.Replace(value)
}

type diagnosticRecord struct {
	Code         string    `json:"code"`
	SessionID    string    `json:"session_id"`
	TurnSequence *int64    `json:"turn_sequence,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DiagnosticPublisher publishes diagnostics without blocking the caller.
type DiagnosticPublisher struct {
	pub Publisher
	log *slog.Logger
}

func NewDiagnosticPublisher(pub Publisher, log *slog.Logger) *DiagnosticPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &DiagnosticPublisher{pub: pub, log: log}
}

func (p *DiagnosticPublisher) Publish(d events.Diagnostic) {
	record := diagnosticRecord{
		Code:      string(d.Code),
		SessionID: d.SessionID,
		Detail:    d.Detail,
		Timestamp: d.Timestamp().UTC(),
	}
	if d.HasTurn() {
		seq := d.TurnSequence
		record.TurnSequence = &seq
	}
	data, err := json.Marshal(record)
	if err != nil {
		p.log.Warn("failed to marshal diagnostic", "error", err)
		return
	}
	if err := p.pub.Publish(DiagnosticSubject(d.SessionID, d.Code), data); err != nil {
		p.log.Warn("failed to publish diagnostic", "code", string(d.Code), "error", err)
	}
}
