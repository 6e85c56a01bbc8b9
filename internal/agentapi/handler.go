package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"omnidesk/internal/metrics"
	"omnidesk/internal/outbound"
	"omnidesk/internal/repo"
)

const maxRequestBytes = 64 << 10

// Outbound performs agent actions against the channel.
type Outbound interface {
	SendHumanMessage(ctx context.Context, tenantID, conversationID string, in outbound.SendInput) (*repo.Message, error)
	EditOutbound(ctx context.Context, tenantID, messageID, text string) (*repo.Message, error)
	SetMode(ctx context.Context, tenantID, conversationID string, mode repo.Mode) (*repo.Conversation, error)
	ToggleMode(ctx context.Context, tenantID, conversationID string) (*repo.Conversation, error)
}

// Store is the read side the inbox views need.
type Store interface {
	ListConversations(ctx context.Context, filter repo.ConversationFilter) ([]repo.Conversation, error)
	GetConversation(ctx context.Context, tenantID, id string) (*repo.Conversation, error)
	ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]repo.Message, error)
	MarkConversationRead(ctx context.Context, tenantID, conversationID string) (int64, error)
}

// Handler serves the tenant-scoped agent API under /api/.
type Handler struct {
	outbound Outbound
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *metrics.Metrics
	handler  http.Handler
}

// New creates a Handler authenticating requests with secret.
func New(secret string, svc Outbound, store Store, logger *slog.Logger, metricRegistry *metrics.Metrics) *Handler {
	h := &Handler{
		outbound: svc,
		store:    store,
		validate: validator.New(),
		logger:   logger.With("component", "agentapi"),
		metrics:  metricRegistry,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", h.listConversations)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.listMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.sendMessage)
	mux.HandleFunc("POST /api/conversations/{id}/mode", h.setMode)
	mux.HandleFunc("POST /api/conversations/{id}/read", h.markRead)
	mux.HandleFunc("PATCH /api/messages/{id}", h.editMessage)
	h.handler = requireTenant(secret, mux)
	return h
}

// ServeHTTP satisfies http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

type sendRequest struct {
	Text        string `json:"text" validate:"required_without=MediaURL,max=4096"`
	MediaURL    string `json:"media_url" validate:"omitempty,url"`
	MessageType string `json:"message_type" validate:"omitempty,oneof=text image audio video document sticker"`
}

type editRequest struct {
	Text string `json:"text" validate:"required,max=4096"`
}

type modeRequest struct {
	Mode string `json:"mode" validate:"omitempty,oneof=BOT HUMAN"`
}

type conversationView struct {
	ID               string    `json:"id"`
	Channel          string    `json:"channel"`
	ExternalThreadID string    `json:"external_thread_id"`
	CustomerHandle   string    `json:"customer_handle"`
	Mode             string    `json:"mode"`
	ProfilePic       *string   `json:"profile_pic,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type messageView struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	Direction         string    `json:"direction"`
	Sender            string    `json:"sender"`
	Text              string    `json:"text"`
	MediaURL          *string   `json:"media_url,omitempty"`
	MessageType       string    `json:"message_type"`
	ExternalMessageID *string   `json:"external_message_id,omitempty"`
	IsRead            bool      `json:"is_read"`
	CreatedAt         time.Time `json:"created_at"`
}

func toConversationView(c *repo.Conversation) conversationView {
	return conversationView{
		ID:               c.ID,
		Channel:          string(c.Channel),
		ExternalThreadID: c.ExternalThreadID,
		CustomerHandle:   c.CustomerHandle,
		Mode:             string(c.Mode),
		ProfilePic:       c.ProfilePic,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func toMessageView(m *repo.Message) messageView {
	return messageView{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		Direction:         string(m.Direction),
		Sender:            string(m.Sender),
		Text:              m.Text,
		MediaURL:          m.MediaURL,
		MessageType:       m.MessageType,
		ExternalMessageID: m.ExternalMessageID,
		IsRead:            m.IsRead,
		CreatedAt:         m.CreatedAt,
	}
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.ConversationFilter{
		TenantID: TenantFromContext(r.Context()),
		Channel:  repo.Channel(q.Get("channel")),
		Mode:     repo.Mode(q.Get("mode")),
		Limit:    queryLimit(q.Get("limit")),
	}
	if filter.Channel != "" && !filter.Channel.Valid() {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}
	if filter.Mode != "" && !filter.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "unknown mode")
		return
	}
	convs, err := h.store.ListConversations(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]conversationView, 0, len(convs))
	for i := range convs {
		views = append(views, toConversationView(&convs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": views})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tenantID := TenantFromContext(r.Context())
	conv, err := h.store.GetConversation(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), tenantID, conv.ID, queryLimit(r.URL.Query().Get("limit")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]messageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, toMessageView(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": toConversationView(conv),
		"messages":     views,
	})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.outbound.SendHumanMessage(r.Context(), TenantFromContext(r.Context()), id, outbound.SendInput{
		Text:        req.Text,
		MediaURL:    req.MediaURL,
		MessageType: req.MessageType,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": toMessageView(msg)})
}

func (h *Handler) editMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req editRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.outbound.EditOutbound(r.Context(), TenantFromContext(r.Context()), id, req.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": toMessageView(msg)})
}

// setMode toggles the conversation, or sets the mode given in the body.
func (h *Handler) setMode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req modeRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	tenantID := TenantFromContext(r.Context())
	var (
		conv *repo.Conversation
		err  error
	)
	if req.Mode == "" {
		conv, err = h.outbound.ToggleMode(r.Context(), tenantID, id)
	} else {
		conv, err = h.outbound.SetMode(r.Context(), tenantID, id, repo.Mode(req.Mode))
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": toConversationView(conv)})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tenantID := TenantFromContext(r.Context())
	conv, err := h.store.GetConversation(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.store.MarkConversationRead(r.Context(), tenantID, conv.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"marked": n})
}

// pathID returns the {id} path segment. Ids are UUIDs, so anything else cannot exist.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return "", false
	}
	return id.String(), true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps service errors onto HTTP responses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		editErr     *outbound.EditError
		deliveryErr *outbound.DeliveryError
	)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, outbound.ErrEmptyMessage), errors.Is(err, outbound.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &editErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "edit rejected",
			"reason": string(editErr.Reason),
		})
	case errors.As(err, &deliveryErr):
		body := map[string]any{"error": "recorded locally but not delivered"}
		if deliveryErr.Message != nil {
			body["message"] = toMessageView(deliveryErr.Message)
		}
		writeJSON(w, http.StatusBadGateway, body)
	default:
		h.logger.Error("agent request failed", "method", r.Method, "path", r.URL.Path,
			"tenant_id", TenantFromContext(r.Context()), "error", err)
		if h.metrics != nil {
			h.metrics.Errors.WithLabelValues("agentapi").Inc()
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 50
	}
	if n > 500 {
		return 500
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
