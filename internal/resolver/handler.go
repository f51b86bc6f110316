package resolver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/archivio-dms/archivio-dms/internal/grants"
	"github.com/archivio-dms/archivio-dms/internal/hierarchy"
	"github.com/archivio-dms/archivio-dms/internal/platform/httpx"
	"github.com/archivio-dms/archivio-dms/internal/shared"
)

// Handler exposes the resolution endpoints.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler builds a Handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// MountRoutes attaches /resolve and /check. Both endpoints sit on the hot
// path of every document operation, so they get their own rate limit.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	r.With(limiter).Get("/resolve", h.resolve)
	r.With(limiter).Get("/check", h.check)
}

// MountNodeRoutes attaches the access-review listing under a node route.
func (h *Handler) MountNodeRoutes(r chi.Router) {
	r.Get("/permissions", h.listEffective)
}

type decisionResponse struct {
	Level      uint8    `json:"level"`
	LevelNames string   `json:"level_names"`
	Sources    []Source `json:"sources"`
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	userID, ref, asOf, err := resolveParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	decision, err := h.engine.Resolve(r.Context(), userID, ref, asOf)
	if err != nil {
		h.logger.Warn("resolve", slog.Int64("user_id", userID), slog.String("node", ref.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decisionResponse{
		Level:      uint8(decision.Level),
		LevelNames: decision.Level.String(),
		Sources:    decision.Sources,
	})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	userID, ref, asOf, err := resolveParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	required, err := grants.ParseLevel(r.URL.Query().Get("required"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	allowed, err := h.engine.HasPermission(r.Context(), userID, ref, required, asOf)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (h *Handler) listEffective(w http.ResponseWriter, r *http.Request) {
	ref, err := nodeRefFromRoute(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	listing, err := h.engine.ListEffectivePermissions(r.Context(), ref)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": listing})
}

func resolveParams(r *http.Request) (int64, hierarchy.NodeRef, time.Time, error) {
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user"), 10, 64)
	if err != nil {
		return 0, hierarchy.NodeRef{}, time.Time{}, errBadParam("user")
	}
	kind, err := hierarchy.ParseNodeKind(q.Get("kind"))
	if err != nil {
		return 0, hierarchy.NodeRef{}, time.Time{}, err
	}
	nodeID, err := strconv.ParseInt(q.Get("node"), 10, 64)
	if err != nil {
		return 0, hierarchy.NodeRef{}, time.Time{}, errBadParam("node")
	}

	var asOf time.Time
	if raw := q.Get("as_of"); raw != "" {
		asOf, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return 0, hierarchy.NodeRef{}, time.Time{}, errBadParam("as_of")
		}
	}
	return userID, hierarchy.NodeRef{Kind: kind, ID: nodeID}, asOf, nil
}

func errBadParam(name string) error {
	return fmt.Errorf("resolver: query parameter %q is %w", name, shared.ErrValidation)
}

func nodeRefFromRoute(r *http.Request) (hierarchy.NodeRef, error) {
	kind, err := hierarchy.ParseNodeKind(chi.URLParam(r, "kind"))
	if err != nil {
		return hierarchy.NodeRef{}, err
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return hierarchy.NodeRef{}, errBadParam("id")
	}
	return hierarchy.NodeRef{Kind: kind, ID: id}, nil
}
