package domain

import (
	"context"
	"errors"
	"time"
)

// ServiceType is the category of work a driver is certified for.
type ServiceType string

const (
	ServiceTaxi     ServiceType = "taxi"
	ServiceDelivery ServiceType = "delivery"
)

// ErrDriverNotFound is returned by a DriverDirectory for unknown drivers.
var ErrDriverNotFound = errors.New("driver not found")

// DriverCandidate is a read-only snapshot of a driver owned by the
// location-reporting side.
type DriverCandidate struct {
	DriverID      string      `json:"driver_id"`
	Coordinates   GeoPoint    `json:"coordinates"`
	ServiceType   ServiceType `json:"service_type"`
	VehicleClass  string      `json:"vehicle_class,omitempty"`
	RatingAverage float64     `json:"rating_average"`
	IsOnline      bool        `json:"is_online"`
	IsAvailable   bool        `json:"is_available"`
	IsVerified    bool        `json:"is_verified"`
	LastPing      time.Time   `json:"last_ping"`
}

// Ready reports the status half of eligibility: online, available and verified.
func (c DriverCandidate) Ready() bool {
	return c.IsOnline && c.IsAvailable && c.IsVerified
}

// CandidateQuery selects pool candidates. Filters apply before Limit, so a
// crowd of closer drivers of the wrong type never hides an eligible one.
type CandidateQuery struct {
	Point    GeoPoint
	RadiusKM float64
	// ServiceType, when set, keeps only drivers certified for it.
	ServiceType ServiceType
	ReadyOnly   bool
	// Limit caps the filtered result; zero means every match in the radius.
	Limit int
}

// Matches applies the query's filters to c. Distance and freshness are the
// pool's job.
func (q CandidateQuery) Matches(c DriverCandidate) bool {
	if q.ServiceType != "" && c.ServiceType != q.ServiceType {
		return false
	}
	return !q.ReadyOnly || c.Ready()
}

// CandidatePool returns candidates near a point, closest first. Freshness
// filtering is the pool's responsibility.
type CandidatePool interface {
	Nearby(ctx context.Context, q CandidateQuery) ([]DriverCandidate, error)
}

// DriverDirectory looks up the current state of a single driver.
type DriverDirectory interface {
	Driver(ctx context.Context, driverID string) (DriverCandidate, error)
}

// Notifier delivers an order offer to one driver.
type Notifier interface {
	Notify(ctx context.Context, driverID string, summary Summary) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
