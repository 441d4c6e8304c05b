package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/store/models"
)

// extensionRe validates dialable extensions: digits only, 1-20 chars.
var extensionRe = regexp.MustCompile(`^\d{1,20}$`)

// maxLabelLen is the maximum length for route labels.
const maxLabelLen = 200

// routeRequest is the JSON body for creating or updating a route.
type routeRequest struct {
	Extension string `json:"extension"`
	Kind      string `json:"kind"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	AssetName string `json:"asset_name"`
	Label     string `json:"label"`
}

// routeResponse is the JSON representation of a route.
type routeResponse struct {
	ID        int64  `json:"id"`
	Extension string `json:"extension"`
	Kind      string `json:"kind"`
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	AssetName string `json:"asset_name,omitempty"`
	Label     string `json:"label,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toRouteResponse(rt *models.Route) routeResponse {
	return routeResponse{
		ID:        rt.ID,
		Extension: rt.Extension,
		Kind:      string(rt.Kind),
		GuildID:   rt.GuildID,
		ChannelID: rt.ChannelID,
		AssetName: rt.AssetName,
		Label:     rt.Label,
		CreatedAt: rt.CreatedAt.Format(time.RFC3339),
		UpdatedAt: rt.UpdatedAt.Format(time.RFC3339),
	}
}

// validate checks the request and returns the route to persist, or an
// error message for the client.
func (req *routeRequest) validate() (*models.Route, string) {
	if !extensionRe.MatchString(req.Extension) {
		return nil, "extension must be 1-20 digits"
	}
	if len(req.Label) > maxLabelLen {
		return nil, "label exceeds maximum length"
	}

	rt := &models.Route{
		Extension: req.Extension,
		Kind:      models.RouteKind(req.Kind),
		Label:     req.Label,
	}
	switch rt.Kind {
	case models.RouteChannel:
		if req.GuildID == "" || req.ChannelID == "" {
			return nil, "channel routes require guild_id and channel_id"
		}
		rt.GuildID = req.GuildID
		rt.ChannelID = req.ChannelID
	case models.RouteAsset:
		if _, err := media.LoadAsset(req.AssetName); err != nil {
			return nil, "unknown asset_name"
		}
		rt.AssetName = req.AssetName
	default:
		return nil, "kind must be \"channel\" or \"asset\""
	}
	return rt, ""
}

// handleListRoutes returns all routes ordered by extension.
func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.routes.List(r.Context())
	if err != nil {
		writeStoreError(w, s.logger, "routes", err)
		return
	}

	items := make([]routeResponse, len(routes))
	for i := range routes {
		items[i] = toRouteResponse(&routes[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCreateRoute maps a new extension.
func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rt, errMsg := req.validate()
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.routes.Create(r.Context(), rt); err != nil {
		if errors.Is(err, store.ErrDuplicateRoute) {
			writeError(w, http.StatusConflict, "extension already routed")
			return
		}
		writeStoreError(w, s.logger, "route", err)
		return
	}

	s.logger.Info("route created", "extension", rt.Extension, "kind", rt.Kind)
	writeJSON(w, http.StatusCreated, toRouteResponse(rt))
}

// handleUpdateRoute replaces an existing route's destination.
func (s *Server) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid route id")
		return
	}

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rt, errMsg := req.validate()
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	rt.ID = id

	if err := s.routes.Update(r.Context(), rt); err != nil {
		writeStoreError(w, s.logger, "route", err)
		return
	}

	s.logger.Info("route updated", "route_id", id, "extension", rt.Extension)
	writeJSON(w, http.StatusOK, toRouteResponse(rt))
}

// handleDeleteRoute unmaps an extension. In-flight calls keep their
// destination; only new INVITEs see the change.
func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid route id")
		return
	}

	if err := s.routes.Delete(r.Context(), id); err != nil {
		writeStoreError(w, s.logger, "route", err)
		return
	}

	s.logger.Info("route deleted", "route_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
