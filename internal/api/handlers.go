package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hikarukin/engram/internal/config"
	"github.com/hikarukin/engram/internal/decay"
	"github.com/hikarukin/engram/internal/graph"
	"github.com/hikarukin/engram/internal/models"
	"github.com/hikarukin/engram/internal/scheduler"
	"github.com/hikarukin/engram/internal/store"
)

// Handler serves the operator API.
type Handler struct {
	db    *store.DB
	msgs  *store.MessageStore
	graph *graph.Manager
	sched *scheduler.Scheduler
	decay *decay.Manager
	cfg   *config.Config
}

func NewHandler(db *store.DB, msgs *store.MessageStore, g *graph.Manager,
	sched *scheduler.Scheduler, d *decay.Manager, cfg *config.Config) *Handler {
	return &Handler{db: db, msgs: msgs, graph: g, sched: sched, decay: d, cfg: cfg}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Queue         *models.QueueStats  `json:"queue"`
	Graph         *models.GraphCounts `json:"graph"`
	LastDecayAt   *time.Time          `json:"lastDecayAt,omitempty"`
	NextDecayAt   *time.Time          `json:"nextDecayAt,omitempty"`
	BatchInterval string              `json:"batchInterval"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.msgs.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts, err := h.graph.Store().Counts(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statusResponse{
		Queue:         stats,
		Graph:         counts,
		BatchInterval: h.cfg.BatchInterval().String(),
	}
	if last, err := h.decay.LastSweep(); err == nil && !last.IsZero() {
		next := last.Add(h.cfg.DecayInterval())
		resp.LastDecayAt = &last
		resp.NextDecayAt = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

type ingestRequest struct {
	UserID   string            `json:"userId"`
	UserName string            `json:"userName"`
	Content  string            `json:"content"`
	IsDirect bool              `json:"isDirect"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Ingest accepts a platform message for a conversation. Direct messages
// trigger an immediate processing pass.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	u := &models.Utterance{
		ConversationID: conversationID,
		UserID:         req.UserID,
		UserName:       req.UserName,
		Content:        req.Content,
		IsDirect:       req.IsDirect,
		Metadata:       req.Metadata,
	}
	if err := h.sched.HandleInbound(r.Context(), u); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": u.ID})
}

func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	nodes, err := h.graph.Store().ListNodes(r.Context(), graph.ListOptions{
		ConversationID: conversationID,
		Limit:          limit,
		OrderBy:        r.URL.Query().Get("order"),
		Ascending:      r.URL.Query().Get("dir") == "asc",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if nodes == nil {
		nodes = []*models.ConceptNode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (h *Handler) SearchMemories(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	query := r.URL.Query().Get("q")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	mems, err := h.graph.SearchMemories(r.Context(), conversationID, query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if mems == nil {
		mems = []*models.TopicMemory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": mems})
}

// Process forces an immediate processing pass over a conversation.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := h.sched.ProcessConversation(r.Context(), conversationID, false); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// Decay forces a decay sweep regardless of the interval gate.
func (h *Handler) Decay(w http.ResponseWriter, r *http.Request) {
	result, err := h.decay.Sweep(r.Context(), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type permanentRequest struct {
	MemoryID string `json:"memoryId"`
}

// Permanent pins a memory and its concept nodes so decay never removes them.
func (h *Handler) Permanent(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req permanentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MemoryID == "" {
		writeError(w, http.StatusBadRequest, "memoryId is required")
		return
	}

	if err := h.graph.PinPermanentMemory(r.Context(), conversationID, req.MemoryID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pinned"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
