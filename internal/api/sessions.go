package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/identity"
	"github.com/ashureev/sessionkeeper/internal/store"
	"github.com/go-chi/chi/v5"
)

// SessionHandler exposes sessions, agents and messages over HTTP.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Get("/agents", h.ListAgents)
			r.Post("/agents", h.CreateAgent)
			r.Route("/agents/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Put("/", h.UpdateAgent)
				r.Post("/redact", h.RedactLatest)
				r.Get("/messages", h.ListMessages)
				r.Post("/messages", h.CreateMessage)
				r.Get("/messages/{messageID}", h.GetMessage)
				r.Put("/messages/{messageID}", h.UpdateMessage)
			})
		})
	})
}

type createSessionRequest struct {
	SessionID   string             `json:"session_id"`
	SessionType domain.SessionType `json:"session_type"`
}

// CreateSession persists a new session. A missing id is generated and a
// missing type defaults to AGENT.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		storeError(w, r, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = identity.NewSessionID()
	}
	if req.SessionType == "" {
		req.SessionType = domain.SessionTypeAgent
	}

	sess, err := h.repo.CreateSession(r.Context(), domain.Session{
		SessionID:   req.SessionID,
		SessionType: req.SessionType,
	})
	if err != nil {
		storeError(w, r, err)
		return
	}

	slog.Info("Session created", "session_id", sess.SessionID, "session_type", sess.SessionType)
	JSON(w, http.StatusCreated, sess)
}

// GetSession returns one session.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.repo.ReadSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		storeError(w, r, err)
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, sess)
}

// ListAgents returns every agent of a session.
func (h *SessionHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.sessionExists(w, r, sessionID) {
		return
	}

	agents, err := h.repo.ListAgents(r.Context(), sessionID)
	if err != nil {
		storeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []*domain.AgentState{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

// CreateAgent persists a new agent under a session.
func (h *SessionHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var agent domain.AgentState
	if err := decode(r, &agent); err != nil {
		storeError(w, r, err)
		return
	}
	if err := h.repo.CreateAgent(r.Context(), sessionID, agent); err != nil {
		storeError(w, r, err)
		return
	}

	h.respondAgent(w, r, sessionID, agent.AgentID, http.StatusCreated)
}

// GetAgent returns one agent.
func (h *SessionHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	h.respondAgent(w, r, chi.URLParam(r, "sessionID"), chi.URLParam(r, "agentID"), http.StatusOK)
}

type updateAgentRequest struct {
	State                    domain.Document `json:"state"`
	ConversationManagerState domain.Document `json:"conversation_manager_state"`
}

// UpdateAgent replaces an agent's state documents.
func (h *SessionHandler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	agentID := chi.URLParam(r, "agentID")

	var req updateAgentRequest
	if err := decode(r, &req); err != nil {
		storeError(w, r, err)
		return
	}

	err := h.sessions.SyncAgent(r.Context(), sessionID, domain.AgentState{
		AgentID:                  agentID,
		State:                    req.State,
		ConversationManagerState: req.ConversationManagerState,
	})
	if err != nil {
		storeError(w, r, err)
		return
	}

	h.respondAgent(w, r, sessionID, agentID, http.StatusOK)
}

// ListMessages returns a page of an agent's messages in id order.
func (h *SessionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	agentID := chi.URLParam(r, "agentID")

	page, err := parsePage(r)
	if err != nil {
		storeError(w, r, err)
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), sessionID, agentID, page)
	if err != nil {
		storeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

type createMessageRequest struct {
	MessageID     *int64       `json:"message_id"`
	Message       domain.Turn  `json:"message"`
	RedactMessage *domain.Turn `json:"redact_message"`
}

// CreateMessage persists a message. Without message_id the next id in the
// agent's log is assigned.
func (h *SessionHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	agentID := chi.URLParam(r, "agentID")

	var req createMessageRequest
	if err := decode(r, &req); err != nil {
		storeError(w, r, err)
		return
	}

	var messageID int64
	if req.MessageID == nil {
		if req.RedactMessage != nil {
			Error(w, http.StatusBadRequest, "redact_message requires an explicit message_id")
			return
		}
		id, err := h.sessions.AppendMessage(r.Context(), sessionID, agentID, req.Message)
		if err != nil {
			storeError(w, r, err)
			return
		}
		messageID = id
	} else {
		messageID = *req.MessageID
		err := h.repo.CreateMessage(r.Context(), sessionID, agentID, domain.Message{
			MessageID:     messageID,
			Message:       req.Message,
			RedactMessage: req.RedactMessage,
		})
		if err != nil {
			storeError(w, r, err)
			return
		}
	}

	h.respondMessage(w, r, sessionID, agentID, messageID, http.StatusCreated)
}

// GetMessage returns one message.
func (h *SessionHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := parseMessageID(r)
	if err != nil {
		storeError(w, r, err)
		return
	}
	h.respondMessage(w, r, chi.URLParam(r, "sessionID"), chi.URLParam(r, "agentID"), messageID, http.StatusOK)
}

type updateMessageRequest struct {
	Message       domain.Turn  `json:"message"`
	RedactMessage *domain.Turn `json:"redact_message"`
}

// UpdateMessage replaces a message's content and redacted variant.
func (h *SessionHandler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	agentID := chi.URLParam(r, "agentID")

	messageID, err := parseMessageID(r)
	if err != nil {
		storeError(w, r, err)
		return
	}

	var req updateMessageRequest
	if err := decode(r, &req); err != nil {
		storeError(w, r, err)
		return
	}

	err = h.repo.UpdateMessage(r.Context(), sessionID, agentID, domain.Message{
		MessageID:     messageID,
		Message:       req.Message,
		RedactMessage: req.RedactMessage,
	})
	if err != nil {
		storeError(w, r, err)
		return
	}

	h.respondMessage(w, r, sessionID, agentID, messageID, http.StatusOK)
}

// RedactLatest attaches a redacted variant to the agent's newest message.
func (h *SessionHandler) RedactLatest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	agentID := chi.URLParam(r, "agentID")

	var redact domain.Turn
	if err := decode(r, &redact); err != nil {
		storeError(w, r, err)
		return
	}

	messageID, err := h.sessions.RedactLatestMessage(r.Context(), sessionID, agentID, redact)
	if err != nil {
		storeError(w, r, err)
		return
	}

	h.respondMessage(w, r, sessionID, agentID, messageID, http.StatusOK)
}

func (h *SessionHandler) sessionExists(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	sess, err := h.repo.ReadSession(r.Context(), sessionID)
	if err != nil {
		storeError(w, r, err)
		return false
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return false
	}
	return true
}

func (h *SessionHandler) respondAgent(w http.ResponseWriter, r *http.Request, sessionID, agentID string, status int) {
	agent, err := h.repo.ReadAgent(r.Context(), sessionID, agentID)
	if err != nil {
		storeError(w, r, err)
		return
	}
	if agent == nil {
		Error(w, http.StatusNotFound, "agent not found")
		return
	}
	JSON(w, status, agent)
}

func (h *SessionHandler) respondMessage(w http.ResponseWriter, r *http.Request, sessionID, agentID string, messageID int64, status int) {
	msg, err := h.repo.ReadMessage(r.Context(), sessionID, agentID, messageID)
	if err != nil {
		storeError(w, r, err)
		return
	}
	if msg == nil {
		Error(w, http.StatusNotFound, "message not found")
		return
	}
	JSON(w, status, msg)
}

func parseMessageID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "messageID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, store.Validation(fmt.Errorf("message_id %q is not an integer", raw))
	}
	return id, nil
}

// parsePage reads ?limit= and ?offset=. An absent limit means no limit.
func parsePage(r *http.Request) (store.Page, error) {
	q := r.URL.Query()
	var page store.Page

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return page, store.Validation(errors.New("limit must be an integer"))
		}
		page.Limit = &n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return page, store.Validation(errors.New("offset must be an integer"))
		}
		page.Offset = n
	}
	return page, page.Validate()
}
