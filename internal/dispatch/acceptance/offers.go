package acceptance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

const (
	defaultOfferPrefix = "offer:order:"
	defaultOfferTTL    = 15 * time.Minute
)

var (
	// ErrOrderNotOpen means the order was never dispatched or its offer
	// window closed without a taker.
	ErrOrderNotOpen = errors.New("order has no open offer")
	// ErrOfferTaken means the order is already held by a driver.
	ErrOfferTaken = errors.New("order already taken")
)

// Offer is what dispatch recorded about an order. Holder is empty until a
// driver claims it.
type Offer struct {
	OrderID string           `json:"order_id"`
	Type    domain.OrderType `json:"type"`
	BuyerID string           `json:"buyer_id"`
	Holder  string           `json:"holder,omitempty"`
}

// OfferBook tracks dispatched orders until a driver takes them. An open
// offer lapses after the book's TTL; a claim never does, it only ends when
// the holder releases it.
type OfferBook interface {
	Open(ctx context.Context, offer Offer) error
	Lookup(ctx context.Context, orderID string) (Offer, error)
	Claim(ctx context.Context, orderID, driverID string) (holder string, granted bool, err error)
	Release(ctx context.Context, orderID, driverID string) error
}

// RedisOfferBook keeps one hash per order. The hash carries a TTL while the
// offer is open and is persisted once claimed.
type RedisOfferBook struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

func NewRedisOfferBook(client redis.Cmdable, prefix string, ttl time.Duration) *RedisOfferBook {
	if prefix == "" {
		prefix = defaultOfferPrefix
	}
	if ttl <= 0 {
		ttl = defaultOfferTTL
	}
	return &RedisOfferBook{client: client, keyPrefix: prefix, ttl: ttl}
}

var openScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "holder") == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "type", ARGV[1], "buyer", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// Open records the offer, refreshing the window of one still pending.
func (b *RedisOfferBook) Open(ctx context.Context, offer Offer) error {
	n, err := openScript.Run(ctx, b.client, []string{b.keyPrefix + offer.OrderID},
		string(offer.Type), offer.BuyerID, b.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis open offer: %w", err)
	}
	if n == 0 {
		return ErrOfferTaken
	}
	return nil
}

func (b *RedisOfferBook) Lookup(ctx context.Context, orderID string) (Offer, error) {
	vals, err := b.client.HMGet(ctx, b.keyPrefix+orderID, "type", "buyer", "holder").Result()
	if err != nil {
		return Offer{}, fmt.Errorf("redis lookup offer: %w", err)
	}
	t, _ := vals[0].(string)
	if t == "" {
		return Offer{}, ErrOrderNotOpen
	}
	buyer, _ := vals[1].(string)
	holder, _ := vals[2].(string)
	return Offer{OrderID: orderID, Type: domain.OrderType(t), BuyerID: buyer, Holder: holder}, nil
}

// claimScript returns {code, holder}: 0 not open, 1 granted, 2 held by
// someone else.
var claimScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "type") == 0 then
  return {0, ""}
end
local holder = redis.call("HGET", KEYS[1], "holder")
if holder then
  if holder == ARGV[1] then
    return {1, holder}
  end
  return {2, holder}
end
redis.call("HSET", KEYS[1], "holder", ARGV[1])
redis.call("PERSIST", KEYS[1])
return {1, ARGV[1]}
`)

// Claim grants the order to driverID unless someone already holds it. A
// repeat claim by the holder succeeds.
func (b *RedisOfferBook) Claim(ctx context.Context, orderID, driverID string) (string, bool, error) {
	res, err := claimScript.Run(ctx, b.client, []string{b.keyPrefix + orderID}, driverID).Slice()
	if err != nil {
		return "", false, fmt.Errorf("redis claim offer: %w", err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("redis claim offer: unexpected reply %v", res)
	}
	code, _ := res[0].(int64)
	holder, _ := res[1].(string)
	switch code {
	case 0:
		return "", false, ErrOrderNotOpen
	case 1:
		return holder, true, nil
	default:
		return holder, false, nil
	}
}

var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "holder") == ARGV[1] then
  redis.call("HDEL", KEYS[1], "holder")
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// Release reopens the order for the full window when driverID holds it.
func (b *RedisOfferBook) Release(ctx context.Context, orderID, driverID string) error {
	if err := releaseScript.Run(ctx, b.client, []string{b.keyPrefix + orderID}, driverID, b.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis release offer: %w", err)
	}
	return nil
}

type openOffer struct {
	Offer
	openUntil time.Time
}

// MemoryOfferBook is the in-process OfferBook.
type MemoryOfferBook struct {
	mu     sync.Mutex
	offers map[string]openOffer
	ttl    time.Duration
	clock  func() time.Time
}

// NewMemoryOfferBook returns a book whose open offers lapse after ttl. A nil
// clock uses time.Now.
func NewMemoryOfferBook(ttl time.Duration, clock func() time.Time) *MemoryOfferBook {
	if ttl <= 0 {
		ttl = defaultOfferTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryOfferBook{offers: make(map[string]openOffer), ttl: ttl, clock: clock}
}

func (m *MemoryOfferBook) Open(_ context.Context, offer Offer) error {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.live(offer.OrderID, now); ok && cur.Holder != "" {
		return ErrOfferTaken
	}
	offer.Holder = ""
	m.offers[offer.OrderID] = openOffer{Offer: offer, openUntil: now.Add(m.ttl)}
	return nil
}

func (m *MemoryOfferBook) Lookup(_ context.Context, orderID string) (Offer, error) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.live(orderID, now)
	if !ok {
		return Offer{}, ErrOrderNotOpen
	}
	return cur.Offer, nil
}

func (m *MemoryOfferBook) Claim(_ context.Context, orderID, driverID string) (string, bool, error) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.live(orderID, now)
	if !ok {
		return "", false, ErrOrderNotOpen
	}
	if cur.Holder != "" {
		return cur.Holder, cur.Holder == driverID, nil
	}
	cur.Holder = driverID
	m.offers[orderID] = cur
	return driverID, true, nil
}

func (m *MemoryOfferBook) Release(_ context.Context, orderID, driverID string) error {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.offers[orderID]; ok && cur.Holder == driverID {
		cur.Holder = ""
		cur.openUntil = now.Add(m.ttl)
		m.offers[orderID] = cur
	}
	return nil
}

// live reports the offer for orderID if it is claimed or still inside its
// window, dropping it otherwise. Callers hold mu.
func (m *MemoryOfferBook) live(orderID string, now time.Time) (openOffer, bool) {
	cur, ok := m.offers[orderID]
	if !ok {
		return openOffer{}, false
	}
	if cur.Holder == "" && !now.Before(cur.openUntil) {
		delete(m.offers, orderID)
		return openOffer{}, false
	}
	return cur, true
}
