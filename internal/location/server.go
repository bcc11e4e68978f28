package location

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

var pingsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "location_pings_total",
	Help: "Driver pings received on the ingest stream, by result.",
}, []string{"result"})

// Pinger records a driver's latest position in the candidate pool.
type Pinger interface {
	RecordPing(ctx context.Context, driverID string, point domain.GeoPoint, at time.Time) error
}

// Server ingests driver pings into the candidate pool.
type Server struct {
	pool   Pinger
	logger *zap.Logger
	now    func() time.Time
	// maxSkew bounds how far in the future a device timestamp may be.
	maxSkew time.Duration
}

func NewServer(pool Pinger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{pool: pool, logger: logger.Named("location"), now: time.Now, maxSkew: 30 * time.Second}
}

// StreamLocation consumes pings until the client closes the stream. Pings
// for unknown drivers or with bad coordinates are counted and skipped; pool
// failures end the stream so the client reconnects.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		ok, err := s.record(stream.Context(), msg)
		if err != nil {
			pingsReceived.WithLabelValues("error").Inc()
			s.logger.Error("record ping", zap.String("driver_id", msg.DriverID), zap.Error(err))
			return err
		}
		if ok {
			ack.Accepted++
			pingsReceived.WithLabelValues("accepted").Inc()
		} else {
			ack.Rejected++
			pingsReceived.WithLabelValues("rejected").Inc()
		}
	}
}

func (s *Server) record(ctx context.Context, msg *DriverPing) (bool, error) {
	point := domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng}
	if msg.DriverID == "" || !point.Valid() {
		return false, nil
	}
	now := s.now().UTC()
	at := now
	if msg.TsMillis > 0 {
		at = time.UnixMilli(msg.TsMillis).UTC()
		if at.After(now.Add(s.maxSkew)) {
			at = now
		}
	}
	err := s.pool.RecordPing(ctx, msg.DriverID, point, at)
	if errors.Is(err, domain.ErrDriverNotFound) {
		s.logger.Debug("ping for unregistered driver", zap.String("driver_id", msg.DriverID))
		return false, nil
	}
	return err == nil, err
}
