package location

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/dispatchcore/internal/apperror"
	"github.com/example/dispatchcore/internal/auth"
	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/http/respond"
)

// Registry is the writable side of the candidate pool.
type Registry interface {
	Pinger
	Upsert(ctx context.Context, c domain.DriverCandidate) error
	Remove(ctx context.Context, driverID string) error
	Driver(ctx context.Context, driverID string) (domain.DriverCandidate, error)
}

// HTTP lets drivers publish their status and admins manage verification.
type HTTP struct {
	pool Registry
	now  func() time.Time
}

func NewHTTP(pool Registry) *HTTP {
	return &HTTP{pool: pool, now: time.Now}
}

// Mount expects auth claims in the request context.
func (h *HTTP) Mount(r chi.Router) {
	r.Get("/v1/drivers/{driverId}", h.get)
	r.Put("/v1/drivers/{driverId}", h.put)
	r.Delete("/v1/drivers/{driverId}", h.remove)
}

type driverRequest struct {
	ServiceType   domain.ServiceType `json:"service_type"`
	VehicleClass  string             `json:"vehicle_class"`
	RatingAverage float64            `json:"rating_average"`
	Coordinates   domain.GeoPoint    `json:"coordinates"`
	IsOnline      bool               `json:"is_online"`
	IsAvailable   bool               `json:"is_available"`
	IsVerified    *bool              `json:"is_verified,omitempty"`
}

func authorize(r *http.Request, driverID, op string) (*auth.Claims, error) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return nil, apperror.Forbidden(op, "caller identity required")
	}
	if claims.Role != auth.RoleAdmin && claims.Subject != driverID {
		return nil, apperror.Forbidden(op, "drivers may only manage themselves")
	}
	return claims, nil
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "driverId")
	if _, err := authorize(r, id, "location.get"); err != nil {
		respond.Error(w, err)
		return
	}
	c, err := h.pool.Driver(r.Context(), id)
	if err != nil {
		respond.Error(w, poolError("location.get", err))
		return
	}
	respond.JSON(w, http.StatusOK, c)
}

// put replaces the driver's status. Verification is only changed by admins;
// a driver's own update keeps the stored flag unless it switches service
// type, which needs a fresh verification.
func (h *HTTP) put(w http.ResponseWriter, r *http.Request) {
	const op = "location.put"
	id := chi.URLParam(r, "driverId")
	claims, err := authorize(r, id, op)
	if err != nil {
		respond.Error(w, err)
		return
	}
	var req driverRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.ServiceType != domain.ServiceTaxi && req.ServiceType != domain.ServiceDelivery {
		respond.Error(w, apperror.Validation(op, "service_type must be taxi or delivery"))
		return
	}
	if !req.Coordinates.Valid() {
		respond.Error(w, apperror.Validation(op, "coordinates out of range"))
		return
	}

	verified := false
	existing, err := h.pool.Driver(r.Context(), id)
	switch {
	case err == nil:
		verified = existing.IsVerified && (claims.Role == auth.RoleAdmin || existing.ServiceType == req.ServiceType)
	case !errors.Is(err, domain.ErrDriverNotFound):
		respond.Error(w, poolError(op, err))
		return
	}
	if req.IsVerified != nil {
		if claims.Role != auth.RoleAdmin {
			respond.Error(w, apperror.Forbidden(op, "verification is managed by admins"))
			return
		}
		verified = *req.IsVerified
	}

	c := domain.DriverCandidate{
		DriverID:      id,
		Coordinates:   req.Coordinates,
		ServiceType:   req.ServiceType,
		VehicleClass:  req.VehicleClass,
		RatingAverage: req.RatingAverage,
		IsOnline:      req.IsOnline,
		IsAvailable:   req.IsAvailable,
		IsVerified:    verified,
		LastPing:      h.now().UTC(),
	}
	if err := h.pool.Upsert(r.Context(), c); err != nil {
		respond.Error(w, poolError(op, err))
		return
	}
	respond.JSON(w, http.StatusOK, c)
}

func (h *HTTP) remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "driverId")
	if _, err := authorize(r, id, "location.remove"); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.pool.Remove(r.Context(), id); err != nil {
		respond.Error(w, poolError("location.remove", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func poolError(op string, err error) error {
	if errors.Is(err, domain.ErrDriverNotFound) {
		return apperror.NotFound(op, err)
	}
	return apperror.Transient(op, err)
}
