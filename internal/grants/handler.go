package grants

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/archivio-dms/archivio-dms/internal/directory"
	"github.com/archivio-dms/archivio-dms/internal/hierarchy"
	"github.com/archivio-dms/archivio-dms/internal/platform/httpx"
	"github.com/archivio-dms/archivio-dms/internal/shared"
)

// Handler exposes grant administration over HTTP.
type Handler struct {
	store    *Store
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger, validate: validator.New()}
}

// MountNodeRoutes attaches the node-scoped grant routes. The router places
// these under /nodes/{kind}/{id}.
func (h *Handler) MountNodeRoutes(r chi.Router) {
	r.Get("/grants", h.listForNode)
	r.Post("/grants", h.create)
	r.Get("/audit", h.audit)
}

// MountRoutes attaches the grant-scoped routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{grantID}", h.get)
	r.Patch("/{grantID}", h.update)
	r.Delete("/{grantID}", h.revoke)
}

type createGrantRequest struct {
	PrincipalKind          string     `json:"principal_kind" validate:"required,oneof=user role structure"`
	PrincipalID            int64      `json:"principal_id" validate:"required,gt=0"`
	Level                  string     `json:"level" validate:"required"`
	IncludeChildStructures bool       `json:"include_child_structures"`
	ExpiresAt              *time.Time `json:"expires_at"`
	Reason                 string     `json:"reason" validate:"required,max=500"`
}

type updateGrantRequest struct {
	Level     *string    `json:"level"`
	ExpiresAt *time.Time `json:"expires_at"`
	Reason    *string    `json:"reason" validate:"omitempty,max=500"`
}

type revokeGrantRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type grantResponse struct {
	ID                     uuid.UUID  `json:"id"`
	Node                   string     `json:"node"`
	PrincipalKind          string     `json:"principal_kind"`
	PrincipalID            int64      `json:"principal_id"`
	Level                  uint8      `json:"level"`
	LevelNames             string     `json:"level_names"`
	IncludeChildStructures bool       `json:"include_child_structures"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	GrantedBy              int64      `json:"granted_by"`
	GrantedReason          string     `json:"granted_reason"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	RevokedAt              *time.Time `json:"revoked_at,omitempty"`
}

type auditResponse struct {
	ID            uuid.UUID `json:"id"`
	Action        string    `json:"action"`
	Node          string    `json:"node"`
	PrincipalKind string    `json:"principal_kind"`
	PrincipalID   int64     `json:"principal_id"`
	OldLevel      uint8     `json:"old_level"`
	NewLevel      uint8     `json:"new_level"`
	Reason        string    `json:"reason"`
	PerformedBy   int64     `json:"performed_by"`
	PerformedAt   time.Time `json:"performed_at"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	ref, err := nodeRefFromRoute(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createGrantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("grants: %v: %w", err, shared.ErrValidation))
		return
	}
	principalKind, err := directory.ParsePrincipalKind(req.PrincipalKind)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	level, err := ParseLevel(req.Level)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	grant, err := h.store.Create(r.Context(), CreateInput{
		Node:                   ref,
		Principal:              directory.PrincipalRef{Kind: principalKind, ID: req.PrincipalID},
		Level:                  level,
		IncludeChildStructures: req.IncludeChildStructures,
		ExpiresAt:              req.ExpiresAt,
		GrantedBy:              actor,
		Reason:                 req.Reason,
	})
	if err != nil {
		h.logger.Warn("grant create", slog.String("node", ref.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toGrantResponse(grant))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := grantIDFromRoute(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateGrantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("grants: %v: %w", err, shared.ErrValidation))
		return
	}

	input := UpdateInput{ExpiresAt: req.ExpiresAt, Reason: req.Reason}
	if req.Level != nil {
		level, err := ParseLevel(*req.Level)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		input.Level = &level
	}

	grant, err := h.store.Update(r.Context(), id, input, actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGrantResponse(grant))
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	id, err := grantIDFromRoute(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req revokeGrantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("grants: %v: %w", err, shared.ErrValidation))
		return
	}

	if err := h.store.Revoke(r.Context(), id, req.Reason, actor); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := grantIDFromRoute(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	grant, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGrantResponse(grant))
}

func (h *Handler) listForNode(w http.ResponseWriter, r *http.Request) {
	ref, err := nodeRefFromRoute(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	listing, err := h.store.ListForNode(r.Context(), ref)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	// Optional principal filter for review screens.
	q := r.URL.Query()
	var principal *directory.PrincipalRef
	if rawKind := q.Get("principal_kind"); rawKind != "" {
		kind, err := directory.ParsePrincipalKind(rawKind)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		id, err := strconv.ParseInt(q.Get("principal_id"), 10, 64)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("grants: query parameter %q is %w", "principal_id", shared.ErrValidation))
			return
		}
		principal = &directory.PrincipalRef{Kind: kind, ID: id}
	}

	out := make([]grantResponse, 0, len(listing))
	for _, g := range listing {
		if principal != nil && g.Principal != *principal {
			continue
		}
		out = append(out, toGrantResponse(g))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grants": out})
}

func (h *Handler) audit(w http.ResponseWriter, r *http.Request) {
	ref, err := nodeRefFromRoute(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	trail, err := h.store.Audit(r.Context(), ref)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]auditResponse, 0, len(trail))
	for _, e := range trail {
		out = append(out, auditResponse{
			ID:            e.ID,
			Action:        string(e.Action),
			Node:          e.Node.String(),
			PrincipalKind: string(e.Principal.Kind),
			PrincipalID:   e.Principal.ID,
			OldLevel:      uint8(e.OldLevel),
			NewLevel:      uint8(e.NewLevel),
			Reason:        e.Reason,
			PerformedBy:   e.PerformedBy,
			PerformedAt:   e.PerformedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"audit": out})
}

func toGrantResponse(g Grant) grantResponse {
	return grantResponse{
		ID:                     g.ID,
		Node:                   g.Node.String(),
		PrincipalKind:          string(g.Principal.Kind),
		PrincipalID:            g.Principal.ID,
		Level:                  uint8(g.Level),
		LevelNames:             g.Level.String(),
		IncludeChildStructures: g.IncludeChildStructures,
		ExpiresAt:              g.ExpiresAt,
		GrantedBy:              g.GrantedBy,
		GrantedReason:          g.GrantedReason,
		CreatedAt:              g.CreatedAt,
		UpdatedAt:              g.UpdatedAt,
		RevokedAt:              g.RevokedAt,
	}
}

func nodeRefFromRoute(r *http.Request) (hierarchy.NodeRef, error) {
	kind, err := hierarchy.ParseNodeKind(chi.URLParam(r, "kind"))
	if err != nil {
		return hierarchy.NodeRef{}, err
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return hierarchy.NodeRef{}, fmt.Errorf("grants: node id is %w", shared.ErrValidation)
	}
	return hierarchy.NodeRef{Kind: kind, ID: id}, nil
}

// actorFromRequest resolves the acting user set by the gateway middleware.
// Mutations without one would otherwise be silently attributed to user 0.
func actorFromRequest(r *http.Request) (int64, error) {
	actor := shared.ActorFromContext(r.Context())
	if actor == 0 {
		return 0, fmt.Errorf("grants: request has no acting user: %w", shared.ErrValidation)
	}
	return actor, nil
}

func grantIDFromRoute(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "grantID"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("grants: grant id is %w", shared.ErrValidation)
	}
	return id, nil
}
