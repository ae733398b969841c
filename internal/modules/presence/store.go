// README: Presence store backed by Redis hashes, a GEO set of online drivers and Lua compare-and-set scripts.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"vtc/internal/types"
)

const (
	onlineGeoKey = "presence:drivers:online"
	dailyTTL     = 48 * time.Hour
)

// Store is the presence persistence contract shared by the Redis and memory
// implementations. A driver with no stored state reads as OFFLINE.
type Store interface {
	GetDriver(ctx context.Context, id types.ID, day string) (*DriverStatus, error)
	SetDriverState(ctx context.Context, id types.ID, expect DriverState, next stateChange) error
	UpdateDriverLocation(ctx context.Context, id types.ID, upd LocationUpdate) error
	NearbyDrivers(ctx context.Context, center types.Point, radiusKm float64, day string) ([]DriverStatus, error)
	IncrDaily(ctx context.Context, id types.ID, day string, orders, earnings int64) error

	GetCustomer(ctx context.Context, id types.ID) (*CustomerStatus, error)
	SetCustomerOrder(ctx context.Context, id, orderID types.ID, handle string) error
	UpdateCustomerLocation(ctx context.Context, id types.ID, upd LocationUpdate) error
}

// driverLocationScript applies a ping only if it is newer than loc_ts and
// keeps the GEO index in step for online drivers.
var driverLocationScript = redis.NewScript(`
local last = tonumber(redis.call('HGET', KEYS[1], 'loc_ts') or '0')
if tonumber(ARGV[1]) <= last then
  return 0
end
redis.call('HSET', KEYS[1], 'loc_ts', ARGV[1], 'lat', ARGV[2], 'lng', ARGV[3],
  'speed', ARGV[4], 'heading', ARGV[5], 'accuracy', ARGV[6])
if redis.call('HGET', KEYS[1], 'status') == 'ONLINE' then
  redis.call('GEOADD', KEYS[2], ARGV[3], ARGV[2], ARGV[7])
end
return 1
`)

var customerLocationScript = redis.NewScript(`
local last = tonumber(redis.call('HGET', KEYS[1], 'loc_ts') or '0')
if tonumber(ARGV[1]) <= last then
  return 0
end
redis.call('HSET', KEYS[1], 'loc_ts', ARGV[1], 'lat', ARGV[2], 'lng', ARGV[3])
return 1
`)

// driverStateScript swaps the status fields when the current status equals
// ARGV[6]; only ONLINE drivers with a known position stay in the GEO set.
var driverStateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  cur = 'OFFLINE'
end
if cur ~= ARGV[6] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'session_started_at', ARGV[2],
  'current_order_id', ARGV[3], 'vehicle_type', ARGV[4], 'channel_handle', ARGV[5])
if ARGV[1] == 'ONLINE' then
  local lat = redis.call('HGET', KEYS[1], 'lat')
  local lng = redis.call('HGET', KEYS[1], 'lng')
  if lat and lng then
    redis.call('GEOADD', KEYS[2], lng, lat, ARGV[7])
  end
else
  redis.call('ZREM', KEYS[2], ARGV[7])
end
return 1
`)

type RedisStore struct {
	redis redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: client}
}

func (s *RedisStore) GetDriver(ctx context.Context, id types.ID, day string) (*DriverStatus, error) {
	pipe := s.redis.Pipeline()
	hash := pipe.HGetAll(ctx, driverKey(id))
	daily := pipe.HGetAll(ctx, dailyKey(id, day))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(hash.Val()) == 0 {
		return nil, ErrNotFound
	}
	return parseDriver(id, hash.Val(), daily.Val()), nil
}

func (s *RedisStore) SetDriverState(ctx context.Context, id types.ID, expect DriverState, next stateChange) error {
	res, err := driverStateScript.Run(ctx, s.redis,
		[]string{driverKey(id), onlineGeoKey},
		string(next.Status),
		formatTimePtr(next.SessionStartedAt),
		string(next.CurrentOrderID),
		next.VehicleType,
		next.ChannelHandle,
		string(expect),
		string(id),
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrConflict
	}
	return nil
}

func (s *RedisStore) UpdateDriverLocation(ctx context.Context, id types.ID, upd LocationUpdate) error {
	res, err := driverLocationScript.Run(ctx, s.redis,
		[]string{driverKey(id), onlineGeoKey},
		upd.At.UnixMicro(),
		formatFloat(upd.Position.Lat),
		formatFloat(upd.Position.Lng),
		formatFloatPtr(upd.SpeedKmh),
		formatFloatPtr(upd.HeadingDeg),
		formatFloatPtr(upd.AccuracyM),
		string(id),
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrStaleUpdate
	}
	return nil
}

func (s *RedisStore) NearbyDrivers(ctx context.Context, center types.Point, radiusKm float64, day string) ([]DriverStatus, error) {
	names, err := s.redis.GeoSearch(ctx, onlineGeoKey, &redis.GeoSearchQuery{
		Longitude:  center.Lng,
		Latitude:   center.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(names))
	dailies := make([]*redis.MapStringStringCmd, len(names))
	for i, name := range names {
		hashes[i] = pipe.HGetAll(ctx, driverKey(types.ID(name)))
		dailies[i] = pipe.HGetAll(ctx, dailyKey(types.ID(name), day))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]DriverStatus, 0, len(names))
	for i, name := range names {
		if len(hashes[i].Val()) == 0 {
			continue
		}
		out = append(out, *parseDriver(types.ID(name), hashes[i].Val(), dailies[i].Val()))
	}
	return out, nil
}

func (s *RedisStore) IncrDaily(ctx context.Context, id types.ID, day string, orders, earnings int64) error {
	key := dailyKey(id, day)
	pipe := s.redis.TxPipeline()
	pipe.HIncrBy(ctx, key, "orders", orders)
	pipe.HIncrBy(ctx, key, "earnings", earnings)
	pipe.Expire(ctx, key, dailyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetCustomer(ctx context.Context, id types.ID) (*CustomerStatus, error) {
	vals, err := s.redis.HGetAll(ctx, customerKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	c := &CustomerStatus{
		CustomerID:     id,
		CurrentOrderID: types.ID(vals["current_order_id"]),
		ChannelHandle:  vals["channel_handle"],
	}
	c.Position.Lat = parseFloat(vals["lat"])
	c.Position.Lng = parseFloat(vals["lng"])
	c.LastLocationUpdate = parseMicros(vals["loc_ts"])
	return c, nil
}

func (s *RedisStore) SetCustomerOrder(ctx context.Context, id, orderID types.ID, handle string) error {
	fields := map[string]any{"current_order_id": string(orderID)}
	if handle != "" {
		fields["channel_handle"] = handle
	}
	return s.redis.HSet(ctx, customerKey(id), fields).Err()
}

func (s *RedisStore) UpdateCustomerLocation(ctx context.Context, id types.ID, upd LocationUpdate) error {
	res, err := customerLocationScript.Run(ctx, s.redis,
		[]string{customerKey(id)},
		upd.At.UnixMicro(),
		formatFloat(upd.Position.Lat),
		formatFloat(upd.Position.Lng),
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrStaleUpdate
	}
	return nil
}

func parseDriver(id types.ID, vals, daily map[string]string) *DriverStatus {
	d := &DriverStatus{
		DriverID:       id,
		Status:         DriverState(vals["status"]),
		CurrentOrderID: types.ID(vals["current_order_id"]),
		VehicleType:    vals["vehicle_type"],
		ChannelHandle:  vals["channel_handle"],
	}
	if d.Status == "" {
		d.Status = StateOffline
	}
	d.Position.Lat = parseFloat(vals["lat"])
	d.Position.Lng = parseFloat(vals["lng"])
	d.SpeedKmh = parseFloatPtr(vals["speed"])
	d.HeadingDeg = parseFloatPtr(vals["heading"])
	d.AccuracyM = parseFloatPtr(vals["accuracy"])
	d.LastLocationUpdate = parseMicros(vals["loc_ts"])
	if t := parseMicros(vals["session_started_at"]); !t.IsZero() {
		d.SessionStartedAt = &t
	}
	d.TodayOrders, _ = strconv.ParseInt(daily["orders"], 10, 64)
	d.TodayEarnings, _ = strconv.ParseInt(daily["earnings"], 10, 64)
	return d
}

func driverKey(id types.ID) string {
	return fmt.Sprintf("presence:driver:%s", string(id))
}

func dailyKey(id types.ID, day string) string {
	return fmt.Sprintf("presence:driver:%s:daily:%s", string(id), day)
}

func customerKey(id types.ID) string {
	return fmt.Sprintf("presence:customer:%s", string(id))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseFloatPtr(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseMicros(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMicro(n).UTC()
}
