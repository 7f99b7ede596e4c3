// Package ledgerredis provides a Redis-backed ledger.Ledger implementation
// for multi-process durability, grounded on the typed client-wrapper style
// of registry/result_stream.go (a redis.Client held behind a small typed
// API, keys namespaced by a fixed prefix) narrowed from stream mappings to
// atomic per-dimension budget counters via HINCRBY.
package ledgerredis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/ledger"
	"agentos.dev/kernel/kernel/schema"
)

// Ledger is a Redis-backed ledger.Ledger. Each grant's reserved/spent
// totals live in two Redis hashes (one dimension per field); each
// reservation's own detail lives in a JSON-encoded string key so Get/Settle
// can recover the exact Reserve map a Reserve call recorded.
type Ledger struct {
	rdb    *redis.Client
	prefix string
}

var _ ledger.Ledger = (*Ledger)(nil)

// New returns a Ledger backed by rdb. prefix namespaces every key this
// ledger writes (defaults to "agentos:ledger" when empty), so one Redis
// instance can host several worlds' ledgers without collision.
func New(rdb *redis.Client, prefix string) *Ledger {
	if prefix == "" {
		prefix = "agentos:ledger"
	}
	return &Ledger{rdb: rdb, prefix: prefix}
}

func (l *Ledger) reservedKey(grantName string) string { return fmt.Sprintf("%s:%s:reserved", l.prefix, grantName) }
func (l *Ledger) spentKey(grantName string) string    { return fmt.Sprintf("%s:%s:spent", l.prefix, grantName) }
func (l *Ledger) intentKey(grantName string, h schema.Hash) string {
	return fmt.Sprintf("%s:%s:intent:%s", l.prefix, grantName, hex.EncodeToString(h[:]))
}

// reserveScript atomically checks spent[d]+reserved[d]+want[d] <= limit[d]
// for every declared dimension and, only if every dimension passes,
// increments reserved by want. KEYS = {reservedKey, spentKey}; ARGV is a
// JSON object {"limit":{dim:uint64},"want":{dim:uint64}}. Returns 1 on
// success, 0 on budget overflow, so the check-and-increment is a single
// round trip with no read/write race between goroutines sharing one Redis.
var reserveScript = redis.NewScript(`
local reserved_key = KEYS[1]
local spent_key = KEYS[2]
local req = cjson.decode(ARGV[1])
for dim, want in pairs(req.want) do
  local limit = req.limit[dim] or 0
  local reserved = tonumber(redis.call('HGET', reserved_key, dim) or '0')
  local spent = tonumber(redis.call('HGET', spent_key, dim) or '0')
  if spent + reserved + want > limit then
    return 0
  end
end
for dim, want in pairs(req.want) do
  if want > 0 then
    redis.call('HINCRBY', reserved_key, dim, want)
  end
end
return 1
`)

func (l *Ledger) Reserve(ctx context.Context, grantName string, limit map[string]uint64, intentHash schema.Hash, enforcerIdentity string, want map[string]uint64) (ledger.Reservation, error) {
	ik := l.intentKey(grantName, intentHash)
	exists, err := l.rdb.Exists(ctx, ik).Result()
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("ledgerredis: check intent: %w", err)
	}
	if exists > 0 {
		return ledger.Reservation{}, ledger.ErrDuplicateIntent
	}

	payload, err := json.Marshal(struct {
		Limit map[string]uint64 `json:"limit"`
		Want  map[string]uint64 `json:"want"`
	}{Limit: limit, Want: want})
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("ledgerredis: encode reserve request: %w", err)
	}

	ok, err := reserveScript.Run(ctx, l.rdb, []string{l.reservedKey(grantName), l.spentKey(grantName)}, payload).Int()
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("ledgerredis: reserve script: %w", err)
	}
	if ok == 0 {
		return ledger.Reservation{}, budgetErr(limit, want)
	}

	r := ledger.Reservation{
		IntentHash:       intentHash,
		GrantName:        grantName,
		EnforcerIdentity: enforcerIdentity,
		Reserve:          want,
		Spent:            map[string]uint64{},
		Status:           ledger.StatusReserved,
	}
	if err := l.putReservation(ctx, ik, r); err != nil {
		return ledger.Reservation{}, err
	}
	return r, nil
}

func (l *Ledger) Settle(ctx context.Context, grantName string, intentHash schema.Hash, usage map[string]uint64) (ledger.Reservation, error) {
	ik := l.intentKey(grantName, intentHash)
	r, err := l.getReservation(ctx, ik)
	if err != nil {
		return ledger.Reservation{}, err
	}
	if r.Status != ledger.StatusReserved {
		return r, nil
	}

	for dim, v := range r.Reserve {
		if v > 0 {
			if err := l.rdb.HIncrBy(ctx, l.reservedKey(grantName), dim, -int64(v)).Err(); err != nil {
				return ledger.Reservation{}, fmt.Errorf("ledgerredis: settle reserved decrement: %w", err)
			}
		}
	}
	for dim, v := range usage {
		if v > 0 {
			if err := l.rdb.HIncrBy(ctx, l.spentKey(grantName), dim, int64(v)).Err(); err != nil {
				return ledger.Reservation{}, fmt.Errorf("ledgerredis: settle spent increment: %w", err)
			}
		}
	}
	r.Spent = usage
	r.Status = ledger.StatusSettled
	if err := l.putReservation(ctx, ik, r); err != nil {
		return ledger.Reservation{}, err
	}
	return r, nil
}

func (l *Ledger) Release(ctx context.Context, grantName string, intentHash schema.Hash) (ledger.Reservation, error) {
	ik := l.intentKey(grantName, intentHash)
	r, err := l.getReservation(ctx, ik)
	if err != nil {
		return ledger.Reservation{}, err
	}
	if r.Status != ledger.StatusReserved {
		return r, nil
	}
	for dim, v := range r.Reserve {
		if v > 0 {
			if err := l.rdb.HIncrBy(ctx, l.reservedKey(grantName), dim, -int64(v)).Err(); err != nil {
				return ledger.Reservation{}, fmt.Errorf("ledgerredis: release reserved decrement: %w", err)
			}
		}
	}
	r.Status = ledger.StatusReleased
	if err := l.putReservation(ctx, ik, r); err != nil {
		return ledger.Reservation{}, err
	}
	return r, nil
}

func (l *Ledger) Get(ctx context.Context, grantName string, intentHash schema.Hash) (ledger.Reservation, error) {
	return l.getReservation(ctx, l.intentKey(grantName, intentHash))
}

func (l *Ledger) putReservation(ctx context.Context, key string, r ledger.Reservation) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("ledgerredis: encode reservation: %w", err)
	}
	if err := l.rdb.Set(ctx, key, b, 0).Err(); err != nil {
		return fmt.Errorf("ledgerredis: store reservation: %w", err)
	}
	return nil
}

func (l *Ledger) getReservation(ctx context.Context, key string) (ledger.Reservation, error) {
	b, err := l.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ledger.Reservation{}, ledger.ErrNoReservation
	}
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("ledgerredis: load reservation: %w", err)
	}
	var r ledger.Reservation
	if err := json.Unmarshal(b, &r); err != nil {
		return ledger.Reservation{}, fmt.Errorf("ledgerredis: decode reservation: %w", err)
	}
	return r, nil
}

func budgetErr(limit, want map[string]uint64) error {
	return kernelerr.Newf(kernelerr.BudgetInsufficient, "budget insufficient (want=%v limit=%v)", want, limit)
}
