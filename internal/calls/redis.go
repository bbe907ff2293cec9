package calls

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordTTL bounds how long an abandoned record lingers in Redis. It is
// refreshed on every transition so long calls keep their record.
const recordTTL = 12 * time.Hour

var ringScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'caller', ARGV[1], 'callee', ARGV[2], 'room', ARGV[3], 'state', 'ringing', 'offered', '0', 'created', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
redis.call('SADD', KEYS[2], ARGV[5])
redis.call('SADD', KEYS[3], ARGV[5])
return 1
`)

// transitionScript returns {code, field, value, ...}: 0 missing, -1 wrong
// state, 1 applied.
var transitionScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return {0}
end
local code = -1
if state == ARGV[1] then
  redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  code = 1
end
local out = {code}
for _, v in ipairs(redis.call('HGETALL', KEYS[1])) do
  table.insert(out, v)
end
return out
`)

var endScript = redis.NewScript(`
local out = {}
for i = 1, 2 do
  local fields = redis.call('HGETALL', KEYS[i])
  if #fields > 0 then
    table.insert(out, fields)
    redis.call('DEL', KEYS[i])
  end
end
redis.call('SREM', KEYS[3], ARGV[1], ARGV[2])
redis.call('SREM', KEYS[4], ARGV[1], ARGV[2])
return out
`)

// RedisBook shares call records between instances.
type RedisBook struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisBook(rdb redis.UniversalClient, prefix string, now func() time.Time) *RedisBook {
	if prefix == "" {
		prefix = "{pelusa}"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisBook{rdb: rdb, prefix: prefix, now: now}
}

var _ Book = (*RedisBook)(nil)

func (b *RedisBook) callKey(caller, callee string) string {
	return b.prefix + ":call:" + pairKey(caller, callee)
}

func (b *RedisBook) indexKey(user string) string {
	return b.prefix + ":calls:" + user
}

func (b *RedisBook) Ring(ctx context.Context, rec Record) (Record, error) {
	rec.State = Ringing
	rec.StateName = Ringing.String()
	rec.Offered = false
	rec.CreatedAt = b.now()
	err := ringScript.Run(ctx, b.rdb,
		[]string{b.callKey(rec.Caller, rec.Callee), b.indexKey(rec.Caller), b.indexKey(rec.Callee)},
		rec.Caller, rec.Callee, rec.Room, rec.CreatedAt.UnixMilli(),
		pairKey(rec.Caller, rec.Callee), recordTTL.Milliseconds(),
	).Err()
	if err != nil {
		return Record{}, fmt.Errorf("calls ring: %w", err)
	}
	return rec, nil
}

func (b *RedisBook) Accept(ctx context.Context, caller, callee string) (Record, error) {
	return b.transition(ctx, caller, callee, Ringing, "state", InCall.String())
}

func (b *RedisBook) Offer(ctx context.Context, caller, callee string) (Record, error) {
	return b.transition(ctx, caller, callee, InCall, "offered", "1")
}

func (b *RedisBook) transition(ctx context.Context, caller, callee string, from State, field, value string) (Record, error) {
	res, err := transitionScript.Run(ctx, b.rdb,
		[]string{b.callKey(caller, callee)},
		from.String(), field, value, recordTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return Record{}, fmt.Errorf("calls transition: %w", err)
	}
	if len(res) == 0 {
		return Record{}, ErrNotFound
	}
	code, _ := res[0].(int64)
	if code == 0 {
		return Record{}, ErrNotFound
	}
	rec := recordFromFlat(res[1:])
	if code < 0 {
		return rec, ErrState
	}
	return rec, nil
}

func (b *RedisBook) Get(ctx context.Context, caller, callee string) (Record, error) {
	fields, err := b.rdb.HGetAll(ctx, b.callKey(caller, callee)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("calls get: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return recordFromMap(fields), nil
}

func (b *RedisBook) End(ctx context.Context, a, c string) ([]Record, error) {
	res, err := endScript.Run(ctx, b.rdb,
		[]string{b.callKey(a, c), b.callKey(c, a), b.indexKey(a), b.indexKey(c)},
		pairKey(a, c), pairKey(c, a),
	).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("calls end: %w", err)
	}
	var ended []Record
	for _, item := range res {
		if flat, ok := item.([]any); ok {
			ended = append(ended, recordFromFlat(flat))
		}
	}
	return ended, nil
}

func (b *RedisBook) EndAll(ctx context.Context, user string) ([]Record, error) {
	members, err := b.rdb.SMembers(ctx, b.indexKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("calls end all: %w", err)
	}
	var ended []Record
	for _, m := range members {
		caller, callee, ok := strings.Cut(m, "\x1f")
		if !ok {
			continue
		}
		recs, err := b.End(ctx, caller, callee)
		if err != nil {
			return ended, err
		}
		ended = append(ended, recs...)
	}
	if err := b.rdb.Del(ctx, b.indexKey(user)).Err(); err != nil {
		return ended, fmt.Errorf("calls end all: %w", err)
	}
	return ended, nil
}

func (b *RedisBook) Close() error { return b.rdb.Close() }

func recordFromFlat(flat []any) Record {
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return recordFromMap(fields)
}

func recordFromMap(fields map[string]string) Record {
	state := parseState(fields["state"])
	created, _ := strconv.ParseInt(fields["created"], 10, 64)
	return Record{
		Caller:    fields["caller"],
		Callee:    fields["callee"],
		Room:      fields["room"],
		State:     state,
		StateName: state.String(),
		Offered:   fields["offered"] == "1",
		CreatedAt: time.UnixMilli(created),
	}
}
