package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sidethreads/internal/middleware"
	"github.com/sidethreads/internal/model"
	"github.com/sidethreads/internal/sanitize"
	"github.com/sidethreads/internal/service"
)

const maxMessagesPage = 200

// Threads — операции сервиса тредов, которые отдаёт HTTP API.
type Threads interface {
	CreateThread(ctx context.Context, in service.CreateThreadInput) (string, error)
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	ListThreads(ctx context.Context, channelID string, limit int) ([]model.Thread, error)
	RenameThread(ctx context.Context, threadID, actor, name string) (*model.Thread, error)
	LeaveThread(ctx context.Context, threadID, userID string) error
	ListMessages(ctx context.Context, threadID string, limit int) ([]model.ThreadMessage, error)
	PostMessage(ctx context.Context, threadID string, in service.PostInput) (*service.PostResult, error)
	VotePoll(ctx context.Context, threadID, messageID, userID string, option int) error
	RespondForm(ctx context.Context, threadID, messageID, userID string, answers []string) error
	MarkRead(ctx context.Context, userID, threadID string, at *time.Time, lastMessageID string) error
	ToggleMute(ctx context.Context, userID, threadID string, muted bool) error
	UnreadCount(ctx context.Context, userID, threadID string) (*service.ReadState, error)
}

type ThreadHandler struct {
	threads Threads
}

func NewThreadHandler(threads Threads) *ThreadHandler {
	return &ThreadHandler{threads: threads}
}

// Routes монтирует маршруты тредов в уже авторизованную группу.
func (h *ThreadHandler) Routes(r chi.Router) {
	r.Post("/api/channels/{channelId}/threads", h.CreateThread)
	r.Get("/api/channels/{channelId}/threads", h.ListThreads)
	r.Get("/api/threads/{id}", h.GetThread)
	r.Put("/api/threads/{id}", h.RenameThread)
	r.Post("/api/threads/{id}/leave", h.LeaveThread)
	r.Get("/api/threads/{id}/messages", h.ListMessages)
	r.Post("/api/threads/{id}/messages", h.PostMessage)
	r.Post("/api/threads/{id}/messages/{messageId}/vote", h.VotePoll)
	r.Post("/api/threads/{id}/messages/{messageId}/respond", h.RespondForm)
	r.Post("/api/threads/{id}/read", h.MarkRead)
	r.Put("/api/threads/{id}/mute", h.ToggleMute)
	r.Get("/api/threads/{id}/unread", h.UnreadCount)
}

type CreateThreadRequest struct {
	ServerID        string          `json:"server_id" validate:"required,max=128"`
	SourceMessageID string          `json:"source_message_id" validate:"required,max=128"`
	Mentions        []model.Mention `json:"mentions" validate:"max=200"`
	TTLHours        int             `json:"ttl_hours"`
	MaxMembers      int             `json:"max_members"`
}

type CreateThreadResponse struct {
	ID     string        `json:"id"`
	Thread *model.Thread `json:"thread,omitempty"`
}

func (h *ThreadHandler) CreateThread(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if err := decodeValid(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	ctx := r.Context()
	id, err := h.threads.CreateThread(ctx, service.CreateThreadInput{
		ServerID:        req.ServerID,
		ChannelID:       chi.URLParam(r, "channelId"),
		SourceMessageID: req.SourceMessageID,
		Creator:         middleware.GetUserID(ctx),
		CreatorName:     middleware.GetUserName(ctx),
		Mentions:        sanitize.Mentions(req.Mentions),
		TTLHours:        req.TTLHours,
		MaxMembers:      req.MaxMembers,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	t, err := h.threads.GetThread(ctx, id)
	if err != nil {
		// тред создан; клиент получит его из снапшота
		writeJSON(w, http.StatusCreated, CreateThreadResponse{ID: id})
		return
	}
	writeJSON(w, http.StatusCreated, CreateThreadResponse{ID: id, Thread: t})
}

func (h *ThreadHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	list, err := h.threads.ListThreads(r.Context(), chi.URLParam(r, "channelId"), queryInt(r, "limit", 0))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []model.Thread{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ThreadHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	t, err := h.threads.GetThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type RenameThreadRequest struct {
	Name string `json:"name" validate:"required,max=512"`
}

func (h *ThreadHandler) RenameThread(w http.ResponseWriter, r *http.Request) {
	var req RenameThreadRequest
	if err := decodeValid(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	t, err := h.threads.RenameThread(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), sanitize.Text(req.Name))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *ThreadHandler) LeaveThread(w http.ResponseWriter, r *http.Request) {
	if err := h.threads.LeaveThread(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ThreadHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	if limit > maxMessagesPage {
		limit = maxMessagesPage
	}
	msgs, err := h.threads.ListMessages(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.ThreadMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// PostMessage принимает сообщение в формате ответа (type + поле по типу).
func (h *ThreadHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var msg model.ThreadMessage
	if err := decodeValid(w, r, &msg); err != nil {
		writeServiceError(w, err)
		return
	}
	ctx := r.Context()
	res, err := h.threads.PostMessage(ctx, chi.URLParam(r, "id"), service.PostInput{
		AuthorID:   middleware.GetUserID(ctx),
		AuthorName: middleware.GetUserName(ctx),
		Payload:    sanitize.Payload(msg.Payload),
		Mentions:   sanitize.Mentions(msg.Mentions),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type VoteRequest struct {
	Option *int `json:"option" validate:"required,gte=0"`
}

func (h *ThreadHandler) VotePoll(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if err := decodeValid(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	err := h.threads.VotePoll(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "messageId"),
		middleware.GetUserID(r.Context()), *req.Option)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type RespondRequest struct {
	Answers []string `json:"answers" validate:"required,max=50,dive,max=2000"`
}

func (h *ThreadHandler) RespondForm(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := decodeValid(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	answers := make([]string, len(req.Answers))
	for i, a := range req.Answers {
		answers[i] = sanitize.Text(a)
	}
	err := h.threads.RespondForm(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "messageId"),
		middleware.GetUserID(r.Context()), answers)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type MarkReadRequest struct {
	At        *time.Time `json:"at"`
	MessageID string     `json:"message_id" validate:"max=128"`
}

func (h *ThreadHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if err := decodeValid(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	err := h.threads.MarkRead(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.At, req.MessageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type MuteRequest struct {
	Muted *bool `json:"muted" validate:"required"`
}

func (h *ThreadHandler) ToggleMute(w http.ResponseWriter, r *http.Request) {
	var req MuteRequest
	if err := decodeValid(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	err := h.threads.ToggleMute(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), *req.Muted)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ThreadHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	st, err := h.threads.UnreadCount(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
