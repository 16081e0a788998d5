package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/oyaprotocol/contracts/pkg/canonicalize"
	"github.com/oyaprotocol/contracts/pkg/clock"
	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// Emitter turns domain payloads into committed envelopes. A nil *Emitter
// discards everything.
type Emitter struct {
	log         Log
	clock       clock.Clock
	logger      *slog.Logger
	subscribers []func(*Envelope)
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithClock sets the commit time source.
func WithClock(c clock.Clock) Option {
	return func(e *Emitter) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.logger = l.With("component", "events") }
}

// WithSubscriber registers fn to observe every committed envelope.
func WithSubscriber(fn func(*Envelope)) Option {
	return func(e *Emitter) { e.subscribers = append(e.subscribers, fn) }
}

// NewEmitter creates an emitter appending to log.
func NewEmitter(log Log, opts ...Option) *Emitter {
	e := &Emitter{
		log:    log,
		clock:  clock.Wall{},
		logger: slog.Default().With("component", "events"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Log returns the underlying log.
func (e *Emitter) Log() Log { return e.log }

// Emit commits an event for account. archiveRef may be empty.
func (e *Emitter) Emit(ctx context.Context, typ Type, account contracts.Address, payload interface{}, archiveRef string) (*Envelope, error) {
	if e == nil {
		return nil, nil
	}
	body, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env := &Envelope{
		EventID:     uuid.New().String(),
		Type:        typ,
		Account:     account,
		Payload:     body,
		ArchiveRef:  archiveRef,
		CommittedAt: e.clock.Now(),
	}
	if _, err := e.log.Append(ctx, env); err != nil {
		return nil, fmt.Errorf("append %s: %w", typ, err)
	}
	e.logger.Debug("event committed", "type", typ, "sequence", env.Sequence, "account", account.Hex())
	for _, fn := range e.subscribers {
		fn(env)
	}
	return env, nil
}

// Record emits and logs failures instead of returning them. Used after a
// state change has already been committed.
func (e *Emitter) Record(ctx context.Context, typ Type, account contracts.Address, payload interface{}, archiveRef string) {
	if e == nil {
		return
	}
	if _, err := e.Emit(ctx, typ, account, payload, archiveRef); err != nil {
		e.logger.Error("event emission failed", "type", typ, "account", account.Hex(), "error", err)
	}
}
