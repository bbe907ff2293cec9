package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout, all under one hash tag so scripts stay single-slot:
//
//	{p}:presence:room:{room}   zset user -> lease expiry (ms)
//	{p}:presence:user:{user}   zset room -> remembered until (ms)
//	{p}:presence:leases        zset room\x1fuser -> lease expiry (ms)
//	{p}:online:conns:{user}    set of connection ids
//	{p}:online:users           set of online identities
//
// Time is supplied by the caller in milliseconds so every instance (and the
// tests) agree on one clock per call.
//
// The purge and sweep scripts derive room keys from ARGV, so the prefix must
// hold a {hash tag} on Redis Cluster. config.Validate enforces it.

const leaseSep = "\x1f"

const sweepBatch = 512

var enterScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
local created = 1
if score and tonumber(score) > tonumber(ARGV[3]) then
  created = 0
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('PEXPIRE', KEYS[2], ARGV[7])
return created
`)

var exitScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[3])
return removed
`)

var heartbeatScript = redis.NewScript(`
local known = redis.call('ZSCORE', KEYS[2], ARGV[2])
if not known or tonumber(known) <= tonumber(ARGV[3]) then
  return 0
end
local result = 1
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
  result = 2
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('PEXPIRE', KEYS[2], ARGV[7])
return result
`)

var purgeScript = redis.NewScript(`
local rooms = redis.call('ZRANGE', KEYS[1], 0, -1)
local affected = {}
for _, room in ipairs(rooms) do
  local removed = redis.call('ZREM', ARGV[2] .. room, ARGV[1])
  redis.call('ZREM', KEYS[2], room .. '\31' .. ARGV[1])
  if removed == 1 then
    table.insert(affected, room)
  end
end
redis.call('DEL', KEYS[1])
return affected
`)

var sweepScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  local sep = string.find(member, '\31', 1, true)
  if sep then
    local roomKey = ARGV[2] .. string.sub(member, 1, sep - 1)
    local user = string.sub(member, sep + 1)
    local score = redis.call('ZSCORE', roomKey, user)
    if score and tonumber(score) <= tonumber(ARGV[1]) then
      redis.call('ZREM', roomKey, user)
      table.insert(out, member)
    end
  end
end
return out
`)

var connectScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
if added == 1 and redis.call('SCARD', KEYS[1]) == 1 then
  redis.call('SADD', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

var disconnectScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
if removed == 1 and redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// RedisStore shares presence between instances through Redis.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	opts   Options
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = "{pelusa}"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, opts: opts.withDefaults()}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) roomKey(room string) string { return s.roomPrefix() + room }
func (s *RedisStore) roomPrefix() string { return s.prefix + ":presence:room:" }
func (s *RedisStore) userKey(user string) string { return s.prefix + ":presence:user:" + user }
func (s *RedisStore) leasesKey() string { return s.prefix + ":presence:leases" }
func (s *RedisStore) connsKey(user string) string { return s.prefix + ":online:conns:" + user }
func (s *RedisStore) onlineKey() string { return s.prefix + ":online:users" }

func (s *RedisStore) Enter(ctx context.Context, user, room string) (bool, error) {
	n, err := enterScript.Run(ctx, s.rdb,
		[]string{s.roomKey(room), s.userKey(user), s.leasesKey()},
		s.leaseArgs(user, room)...,
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence enter: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Exit(ctx context.Context, user, room string) (bool, error) {
	n, err := exitScript.Run(ctx, s.rdb,
		[]string{s.roomKey(room), s.userKey(user), s.leasesKey()},
		user, room, room+leaseSep+user,
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence exit: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, user, room string) (HeartbeatResult, error) {
	n, err := heartbeatScript.Run(ctx, s.rdb,
		[]string{s.roomKey(room), s.userKey(user), s.leasesKey()},
		s.leaseArgs(user, room)...,
	).Int()
	if err != nil {
		return HeartbeatIgnored, fmt.Errorf("presence heartbeat: %w", err)
	}
	return HeartbeatResult(n), nil
}

func (s *RedisStore) Occupants(ctx context.Context, room string) ([]string, error) {
	users, err := s.rdb.ZRangeByScore(ctx, s.roomKey(room), &redis.ZRangeBy{
		Min: "(" + millis(s.opts.Now()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence occupants: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

func (s *RedisStore) PurgeUser(ctx context.Context, user string) ([]string, error) {
	rooms, err := purgeScript.Run(ctx, s.rdb,
		[]string{s.userKey(user), s.leasesKey()},
		user, s.roomPrefix(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("presence purge: %w", err)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *RedisStore) Sweep(ctx context.Context) ([]Lease, error) {
	members, err := sweepScript.Run(ctx, s.rdb,
		[]string{s.leasesKey()},
		millis(s.opts.Now()), s.roomPrefix(), sweepBatch,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("presence sweep: %w", err)
	}
	lapsed := make([]Lease, 0, len(members))
	for _, m := range members {
		room, user, ok := strings.Cut(m, leaseSep)
		if !ok {
			continue
		}
		lapsed = append(lapsed, Lease{User: user, Room: room})
	}
	return lapsed, nil
}

func (s *RedisStore) Connect(ctx context.Context, user, connID string) (bool, error) {
	n, err := connectScript.Run(ctx, s.rdb,
		[]string{s.connsKey(user), s.onlineKey()}, connID, user,
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence connect: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Disconnect(ctx context.Context, user, connID string) (bool, error) {
	n, err := disconnectScript.Run(ctx, s.rdb,
		[]string{s.connsKey(user), s.onlineKey()}, connID, user,
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence disconnect: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Connections(ctx context.Context, user string) (int, error) {
	n, err := s.rdb.SCard(ctx, s.connsKey(user)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence connections: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Online(ctx context.Context) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("presence online: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// leaseArgs is the ARGV shared by the enter and heartbeat scripts.
func (s *RedisStore) leaseArgs(user, room string) []any {
	now := s.opts.Now()
	return []any{
		user,
		room,
		millis(now),
		millis(now.Add(s.opts.TTL)),
		millis(now.Add(s.opts.Retention)),
		room + leaseSep + user,
		s.opts.Retention.Milliseconds(),
	}
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
