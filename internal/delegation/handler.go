package delegation

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/archivio-dms/archivio-dms/internal/platform/httpx"
	"github.com/archivio-dms/archivio-dms/internal/shared"
)

// Handler exposes delegation management over HTTP.
type Handler struct {
	manager  *Manager
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, logger: logger, validate: validator.New()}
}

// MountRoutes attaches the delegation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Delete("/{delegationID}", h.revoke)
	r.Get("/acting", h.acting)
}

type createDelegationRequest struct {
	DelegateID int64     `json:"delegate_id" validate:"required,gt=0"`
	Scope      string    `json:"scope" validate:"required,oneof=approval permission all"`
	StartDate  time.Time `json:"start_date" validate:"required"`
	EndDate    time.Time `json:"end_date" validate:"required"`
}

type delegationResponse struct {
	ID          uuid.UUID  `json:"id"`
	DelegatorID int64      `json:"delegator_id"`
	DelegateID  int64      `json:"delegate_id"`
	Scope       string     `json:"scope"`
	StartDate   time.Time  `json:"start_date"`
	EndDate     time.Time  `json:"end_date"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	// The gateway middleware sets the acting user; without one the window
	// would be recorded against user 0.
	delegator := shared.ActorFromContext(r.Context())
	if delegator == 0 {
		httpx.RespondError(w, fmt.Errorf("delegation: request has no acting user: %w", shared.ErrValidation))
		return
	}
	var req createDelegationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("delegation: %v: %w", err, shared.ErrValidation))
		return
	}
	scope, err := ParseScope(req.Scope)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	d, err := h.manager.Create(r.Context(), CreateInput{
		DelegatorID: delegator,
		DelegateID:  req.DelegateID,
		Scope:       scope,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
	})
	if err != nil {
		h.logger.Warn("delegation create", slog.Int64("delegate_id", req.DelegateID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toDelegationResponse(d))
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "delegationID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("delegation: delegation id is %w", shared.ErrValidation))
		return
	}
	if err := h.manager.Revoke(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) acting(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("delegation: query parameter %q is %w", "user", shared.ErrValidation))
		return
	}
	scope, err := ParseScope(q.Get("scope"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var asOf time.Time
	if raw := q.Get("as_of"); raw != "" {
		asOf, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("delegation: query parameter %q is %w", "as_of", shared.ErrValidation))
			return
		}
	}

	acting, err := h.manager.ResolveActingPrincipal(r.Context(), userID, scope, asOf)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"acting_user_id": acting})
}

func toDelegationResponse(d Delegation) delegationResponse {
	return delegationResponse{
		ID:          d.ID,
		DelegatorID: d.DelegatorID,
		DelegateID:  d.DelegateID,
		Scope:       string(d.Scope),
		StartDate:   d.StartDate,
		EndDate:     d.EndDate,
		CreatedAt:   d.CreatedAt,
		RevokedAt:   d.RevokedAt,
	}
}
