package ops

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voxbridge/voxbridge/internal/store/models"
)

const (
	defaultCallLimit = 100
	maxCallLimit     = 1000
)

// callResponse is the JSON representation of a call record.
type callResponse struct {
	ID         int64   `json:"id"`
	SIPCallID  string  `json:"sip_call_id"`
	CallerAddr string  `json:"caller_addr"`
	CallerURI  string  `json:"caller_uri"`
	Extension  string  `json:"extension"`
	GuildID    string  `json:"guild_id,omitempty"`
	ChannelID  string  `json:"channel_id,omitempty"`
	Codec      string  `json:"codec"`
	Status     string  `json:"status"`
	Reason     string  `json:"reason,omitempty"`
	CreatedAt  string  `json:"created_at"`
	AnsweredAt *string `json:"answered_at"`
	EndedAt    *string `json:"ended_at"`
}

func toCallResponse(c *models.Call) callResponse {
	resp := callResponse{
		ID:         c.ID,
		SIPCallID:  c.SIPCallID,
		CallerAddr: c.CallerAddr,
		CallerURI:  c.CallerURI,
		Extension:  c.Extension,
		GuildID:    c.GuildID,
		ChannelID:  c.ChannelID,
		Codec:      c.Codec,
		Status:     string(c.Status),
		Reason:     c.Reason,
		CreatedAt:  c.CreatedAt.Format(time.RFC3339),
	}
	if c.AnsweredAt != nil {
		s := c.AnsweredAt.Format(time.RFC3339)
		resp.AnsweredAt = &s
	}
	if c.EndedAt != nil {
		s := c.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &s
	}
	return resp
}

// handleListCalls returns the most recent call records.
// Query params: limit (default 100, max 1000).
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultCallLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxCallLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	calls, err := s.calls.List(r.Context(), limit)
	if err != nil {
		writeStoreError(w, s.logger, "calls", err)
		return
	}

	items := make([]callResponse, len(calls))
	for i := range calls {
		items[i] = toCallResponse(&calls[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetCall returns a single call record by ID.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}

	call, err := s.calls.GetByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, s.logger, "call", err)
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(call))
}
