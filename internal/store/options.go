package store

import (
	"log/slog"
	"time"

	"github.com/ashureev/sessionkeeper/internal/codec"
	"github.com/ashureev/sessionkeeper/internal/domain"
)

// Options holds the settings shared by every backend.
type Options struct {
	Codec  codec.Codec
	Clock  func() time.Time
	Logger *slog.Logger
}

// Option configures a backend.
type Option func(*Options)

// WithCodec selects the text encoding for opaque payloads.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithClock overrides the time source used for default and refreshed timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

// WithLogger sets the logger for backend lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// BuildOptions applies opts over the defaults.
func BuildOptions(opts ...Option) Options {
	o := Options{
		Codec:  codec.Default,
		Clock:  time.Now,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Codec == nil {
		o.Codec = codec.Default
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Now returns the current time in UTC without a monotonic reading.
func (o Options) Now() time.Time {
	return o.Clock().UTC()
}

// Serializer returns a Serializer for the configured codec.
func (o Options) Serializer() Serializer {
	return NewSerializer(o.Codec)
}

// PrepareSession validates a new session and fills unset timestamps with now.
func PrepareSession(s domain.Session, now time.Time) (domain.Session, error) {
	if err := s.Validate(); err != nil {
		return s, Validation(err)
	}
	s.CreatedAt, s.UpdatedAt = stamp(s.CreatedAt, now), stamp(s.UpdatedAt, now)
	return s, nil
}

// PrepareAgent validates a new agent state and fills unset timestamps with now.
func PrepareAgent(sessionID string, a domain.AgentState, now time.Time) (domain.AgentState, error) {
	if err := CheckAgentKey(sessionID, a.AgentID); err != nil {
		return a, err
	}
	a.CreatedAt, a.UpdatedAt = stamp(a.CreatedAt, now), stamp(a.UpdatedAt, now)
	return a, nil
}

// PrepareMessage validates a new message and fills unset timestamps with now.
func PrepareMessage(sessionID, agentID string, m domain.Message, now time.Time) (domain.Message, error) {
	if err := CheckMessageKey(sessionID, agentID, m.MessageID); err != nil {
		return m, err
	}
	m.CreatedAt, m.UpdatedAt = stamp(m.CreatedAt, now), stamp(m.UpdatedAt, now)
	return m, nil
}

func stamp(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}
