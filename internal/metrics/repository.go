package metrics

import (
	"context"
	"time"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
)

// Repository decorates a store.Repository with operation counters and
// latency histograms labelled by backend.
type Repository struct {
	next    store.Repository
	metrics *Metrics
	backend string
}

var _ store.Repository = (*Repository)(nil)

// InstrumentRepository wraps next.
func (m *Metrics) InstrumentRepository(next store.Repository, backend string) *Repository {
	return &Repository{next: next, metrics: m, backend: backend}
}

func (r *Repository) observe(op string, start time.Time, err error) {
	r.metrics.observeStore(r.backend, op, Outcome(err), time.Since(start))
}

// observeRead labels a successful read that found nothing as a miss.
func (r *Repository) observeRead(op string, start time.Time, found bool, err error) {
	outcome := Outcome(err)
	if err == nil && !found {
		outcome = OutcomeMiss
	}
	r.metrics.observeStore(r.backend, op, outcome, time.Since(start))
}

// CreateSession records the call and forwards it.
func (r *Repository) CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error) {
	start := time.Now()
	out, err := r.next.CreateSession(ctx, session)
	r.observe("create_session", start, err)
	return out, err
}

// ReadSession records the call, counting a nil result as a miss.
func (r *Repository) ReadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	start := time.Now()
	out, err := r.next.ReadSession(ctx, sessionID)
	r.observeRead("read_session", start, out != nil, err)
	return out, err
}

// CreateAgent records the call and forwards it.
func (r *Repository) CreateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	start := time.Now()
	err := r.next.CreateAgent(ctx, sessionID, agent)
	r.observe("create_agent", start, err)
	return err
}

// ReadAgent records the call, counting a nil result as a miss.
func (r *Repository) ReadAgent(ctx context.Context, sessionID, agentID string) (*domain.AgentState, error) {
	start := time.Now()
	out, err := r.next.ReadAgent(ctx, sessionID, agentID)
	r.observeRead("read_agent", start, out != nil, err)
	return out, err
}

// UpdateAgent records the call and forwards it.
func (r *Repository) UpdateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	start := time.Now()
	err := r.next.UpdateAgent(ctx, sessionID, agent)
	r.observe("update_agent", start, err)
	return err
}

// ListAgents records the call and forwards it.
func (r *Repository) ListAgents(ctx context.Context, sessionID string) ([]*domain.AgentState, error) {
	start := time.Now()
	out, err := r.next.ListAgents(ctx, sessionID)
	r.observe("list_agents", start, err)
	return out, err
}

// CreateMessage records the call and forwards it.
func (r *Repository) CreateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error {
	start := time.Now()
	err := r.next.CreateMessage(ctx, sessionID, agentID, message)
	r.observe("create_message", start, err)
	return err
}

// ReadMessage records the call, counting a nil result as a miss.
func (r *Repository) ReadMessage(ctx context.Context, sessionID, agentID string, messageID int64) (*domain.Message, error) {
	start := time.Now()
	out, err := r.next.ReadMessage(ctx, sessionID, agentID, messageID)
	r.observeRead("read_message", start, out != nil, err)
	return out, err
}

// UpdateMessage records the call and forwards it.
func (r *Repository) UpdateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error {
	start := time.Now()
	err := r.next.UpdateMessage(ctx, sessionID, agentID, message)
	r.observe("update_message", start, err)
	return err
}

// ListMessages records the call and forwards it.
func (r *Repository) ListMessages(ctx context.Context, sessionID, agentID string, page store.Page) ([]*domain.Message, error) {
	start := time.Now()
	out, err := r.next.ListMessages(ctx, sessionID, agentID, page)
	r.observe("list_messages", start, err)
	return out, err
}

// Ping checks the wrapped repository.
func (r *Repository) Ping(ctx context.Context) error {
	start := time.Now()
	err := r.next.Ping(ctx)
	r.observe("ping", start, err)
	return err
}

// Close closes the wrapped repository.
func (r *Repository) Close() error {
	return r.next.Close()
}
