package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/dispatchcore/internal/apperror"
	"github.com/example/dispatchcore/internal/auth"
	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/http/respond"
	"github.com/example/dispatchcore/internal/route"
)

type Estimator interface {
	Estimate(ctx context.Context, session string, from, to domain.GeoPoint) (route.Estimate, error)
	ReverseGeocode(ctx context.Context, p domain.GeoPoint) (string, error)
	DriverETA(ctx context.Context, pickup domain.GeoPoint, serviceType domain.ServiceType) (route.DriverETA, bool, error)
}

// HTTP exposes route estimates and reverse geocoding.
type HTTP struct {
	svc Estimator
}

func NewHTTP(svc Estimator) *HTTP {
	return &HTTP{svc: svc}
}

func (h *HTTP) Mount(r chi.Router) {
	r.Get("/v1/routes/estimate", h.estimate)
	r.Get("/v1/geocode/reverse", h.reverse)
}

type estimateResponse struct {
	route.Estimate
	Driver *route.DriverETA `json:"driver,omitempty"`
}

// estimate answers GET /v1/routes/estimate?pickup_lat=&pickup_lng=&dropoff_lat=&dropoff_lng=.
// An optional service_type adds the nearest driver's approach time. The
// session parameter, or the caller's token subject, groups map-drag bursts.
func (h *HTTP) estimate(w http.ResponseWriter, r *http.Request) {
	const op = "route.estimate"
	pickup, err := queryPoint(r, "pickup", op)
	if err != nil {
		respond.Error(w, err)
		return
	}
	dropoff, err := queryPoint(r, "dropoff", op)
	if err != nil {
		respond.Error(w, err)
		return
	}
	session := r.URL.Query().Get("session")
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		session = claims.Subject + ":" + session
	}

	est, err := h.svc.Estimate(r.Context(), session, pickup, dropoff)
	if err != nil {
		respond.Error(w, err)
		return
	}
	resp := estimateResponse{Estimate: est}
	if st := r.URL.Query().Get("service_type"); st != "" {
		eta, ok, err := h.svc.DriverETA(r.Context(), pickup, domain.ServiceType(st))
		if err != nil {
			respond.Error(w, err)
			return
		}
		if ok {
			resp.Driver = &eta
		}
	}
	respond.JSON(w, http.StatusOK, resp)
}

func (h *HTTP) reverse(w http.ResponseWriter, r *http.Request) {
	p, err := queryPoint(r, "", "route.reverse_geocode")
	if err != nil {
		respond.Error(w, err)
		return
	}
	addr, err := h.svc.ReverseGeocode(r.Context(), p)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"address": addr})
}

func queryPoint(r *http.Request, prefix, op string) (domain.GeoPoint, error) {
	if prefix != "" {
		prefix += "_"
	}
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get(prefix+"lat"), 64)
	if err != nil {
		return domain.GeoPoint{}, apperror.Validation(op, prefix+"lat must be a number")
	}
	lng, err := strconv.ParseFloat(q.Get(prefix+"lng"), 64)
	if err != nil {
		return domain.GeoPoint{}, apperror.Validation(op, prefix+"lng must be a number")
	}
	return domain.GeoPoint{Lat: lat, Lng: lng}, nil
}
