package domain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/internal/apperror"
	"github.com/example/dispatchcore/internal/dispatch/domain"
)

func TestParseOrderTypeAllowList(t *testing.T) {
	for _, in := range []string{"taxi", "Delivery", " marketplace "} {
		_, err := domain.ParseOrderType(in)
		require.NoError(t, err, in)
	}
	_, err := domain.ParseOrderType("helicopter")
	require.True(t, apperror.Is(err, apperror.KindValidation))
}

func TestOrderValidation(t *testing.T) {
	base := domain.OrderInfo{OrderID: "O1", BuyerID: "B1", Pickup: domain.GeoPoint{Lat: -4.32, Lng: 15.31}}

	require.NoError(t, domain.TaxiOrder{OrderInfo: base}.Validate())

	missingSeller := domain.MarketplaceOrder{OrderInfo: base, ListingID: "L1"}
	require.True(t, apperror.Is(missingSeller.Validate(), apperror.KindValidation))

	badPickup := base
	badPickup.Pickup = domain.GeoPoint{Lat: 120}
	require.Error(t, domain.DeliveryOrder{OrderInfo: badPickup}.Validate())

	done := base
	done.Status = domain.OrderCompleted
	require.Error(t, domain.TaxiOrder{OrderInfo: done}.Validate())
}

func TestHaversineKM(t *testing.T) {
	kinshasa := domain.GeoPoint{Lat: -4.3217, Lng: 15.3125}
	brazzaville := domain.GeoPoint{Lat: -4.2634, Lng: 15.2429}
	d := domain.HaversineKM(kinshasa, brazzaville)
	require.InDelta(t, 10.1, d, 0.5)
	require.Zero(t, domain.HaversineKM(kinshasa, kinshasa))
}

func TestSummarize(t *testing.T) {
	o := domain.DeliveryOrder{OrderInfo: domain.OrderInfo{OrderID: "O9", BuyerID: "B", Price: domain.Money{Amount: 5000, Currency: "CDF"}}}
	s := domain.Summarize(o, 1.25)
	require.Equal(t, domain.OrderDelivery, s.Type)
	require.Equal(t, "O9", s.OrderID)
	require.Equal(t, 1.25, s.DistanceKM)
}
