package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the Redis token store writes.
const DefaultRedisPrefix = "rt:"

// Record hash fields. Times are stored as Unix microseconds so Lua can compare
// them as numbers without losing precision.
const (
	fieldID         = "id"
	fieldTokenHash  = "token_hash"
	fieldOwnerID    = "owner_id"
	fieldIssuedAt   = "issued_at"
	fieldExpiresAt  = "expires_at"
	fieldUsed       = "used"
	fieldRevoked    = "revoked"
	fieldReason     = "revocation_reason"
	fieldReplacedBy = "replaced_by"
)

// putScript inserts a record unless its id or token hash is taken.
// KEYS: record, hash index, owner set, expiry index. ARGV: id, expires_at, field/value pairs...
var putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('SET', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
return 1
`)

// conditionalUpdateScript checks the guard and applies the mutation in one step.
// Returns -1 when the record is missing, 0 when the guard fails, or the record's fields.
// KEYS: record. ARGV: not_used, not_revoked, mark_used, replaced_by, revoke, reason.
var conditionalUpdateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local state = redis.call('HMGET', KEYS[1], 'used', 'revoked')
if ARGV[1] == '1' and state[1] == '1' then
	return 0
end
if ARGV[2] == '1' and state[2] == '1' then
	return 0
end
if ARGV[3] == '1' then
	redis.call('HSET', KEYS[1], 'used', '1', 'replaced_by', ARGV[4])
end
if ARGV[5] == '1' then
	redis.call('HSET', KEYS[1], 'revoked', '1', 'revocation_reason', ARGV[6])
end
return redis.call('HGETALL', KEYS[1])
`)

// bulkScriptPrelude selects candidate ids and filters them.
// KEYS: owner set or "" , expiry index. ARGV: prefix, active_at, expires_before, ...
const bulkScriptPrelude = `
local prefix, activeAt, expiresBefore = ARGV[1], ARGV[2], ARGV[3]
local ids
if KEYS[1] ~= '' then
	ids = redis.call('SMEMBERS', KEYS[1])
elseif expiresBefore ~= '' then
	ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', expiresBefore)
else
	ids = redis.call('ZRANGE', KEYS[2], 0, -1)
end
local function matches(f)
	if f[1] == false then
		return false
	end
	local expiresAt = tonumber(f[4])
	if activeAt ~= '' and (f[2] ~= '0' or f[3] ~= '0' or expiresAt <= tonumber(activeAt)) then
		return false
	end
	if expiresBefore ~= '' and expiresAt > tonumber(expiresBefore) then
		return false
	end
	return true
end
`

// revokeWhereScript revokes matching records that are not revoked yet.
// ARGV[4] is the revocation reason.
var revokeWhereScript = redis.NewScript(bulkScriptPrelude + `
local count = 0
for _, id in ipairs(ids) do
	local key = prefix .. 'rec:' .. id
	local f = redis.call('HMGET', key, 'id', 'used', 'revoked', 'expires_at')
	if matches(f) and f[3] == '0' then
		redis.call('HSET', key, 'revoked', '1', 'revocation_reason', ARGV[4])
		count = count + 1
	end
end
return count
`)

// deleteWhereScript removes matching records and their index entries.
var deleteWhereScript = redis.NewScript(bulkScriptPrelude + `
local count = 0
for _, id in ipairs(ids) do
	local key = prefix .. 'rec:' .. id
	local f = redis.call('HMGET', key, 'id', 'used', 'revoked', 'expires_at', 'token_hash', 'owner_id')
	if matches(f) then
		redis.call('DEL', key, prefix .. 'hash:' .. f[5])
		redis.call('SREM', prefix .. 'owner:' .. f[6], id)
		redis.call('ZREM', KEYS[2], id)
		count = count + 1
	elseif f[1] == false then
		redis.call('ZREM', KEYS[2], id)
	end
end
return count
`)

// RedisTokenStore implements TokenStore on Redis.
//
// Each record is a hash under {prefix}rec:{id}, indexed by {prefix}hash:{token hash},
// the per-owner set {prefix}owner:{owner id} and the {prefix}expiry sorted set.
// Every write is a Lua script, so guards and index updates apply atomically.
//
// The scripts derive keys from their arguments and so require a single-node
// (or single-slot) deployment.
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTokenStore creates a Redis-backed token store. An empty prefix uses DefaultRedisPrefix.
func NewRedisTokenStore(client redis.UniversalClient, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisTokenStore{client: client, prefix: prefix}
}

func (s *RedisTokenStore) recordKey(id string) string      { return s.prefix + "rec:" + id }
func (s *RedisTokenStore) hashKey(tokenHash string) string { return s.prefix + "hash:" + tokenHash }
func (s *RedisTokenStore) ownerKey(ownerID string) string  { return s.prefix + "owner:" + ownerID }
func (s *RedisTokenStore) expiryKey() string               { return s.prefix + "expiry" }

// Get retrieves a record by token hash.
func (s *RedisTokenStore) Get(ctx context.Context, tokenHash string) (*TokenRecord, error) {
	id, err := s.client.Get(ctx, s.hashKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("getting refresh token: %w", err))
	}

	fields, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("getting refresh token: %w", err))
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisRecord(fields)
}

// Put inserts a new record.
func (s *RedisTokenStore) Put(ctx context.Context, rec *TokenRecord) error {
	expiresAt := strconv.FormatInt(rec.ExpiresAt.UnixMicro(), 10)
	args := []any{
		rec.ID, expiresAt,
		fieldID, rec.ID,
		fieldTokenHash, rec.TokenHash,
		fieldOwnerID, rec.OwnerID,
		fieldIssuedAt, strconv.FormatInt(rec.IssuedAt.UnixMicro(), 10),
		fieldExpiresAt, expiresAt,
		fieldUsed, boolFlag(rec.Used),
		fieldRevoked, boolFlag(rec.Revoked),
		fieldReason, rec.RevocationReason,
		fieldReplacedBy, rec.ReplacedBy,
	}
	keys := []string{s.recordKey(rec.ID), s.hashKey(rec.TokenHash), s.ownerKey(rec.OwnerID), s.expiryKey()}

	inserted, err := putScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return storeUnavailable(fmt.Errorf("creating refresh token: %w", err))
	}
	if inserted == 0 {
		return ErrConflict
	}
	return nil
}

// ConditionalUpdate applies m to record id if g holds, inside one script.
func (s *RedisTokenStore) ConditionalUpdate(ctx context.Context, id string, g Guard, m Mutation) (*TokenRecord, error) {
	if !m.MarkUsed && !m.Revoke {
		return nil, fmt.Errorf("updating refresh token: empty mutation")
	}

	res, err := conditionalUpdateScript.Run(ctx, s.client, []string{s.recordKey(id)},
		boolFlag(g.NotUsed), boolFlag(g.NotRevoked),
		boolFlag(m.MarkUsed), m.ReplacedBy,
		boolFlag(m.Revoke), m.RevocationReason,
	).Result()
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("updating refresh token: %w", err))
	}

	switch v := res.(type) {
	case int64:
		if v < 0 {
			return nil, ErrNotFound
		}
		return nil, ErrPreconditionFailed
	case []any:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			key, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[key] = val
		}
		return decodeRedisRecord(fields)
	default:
		return nil, storeUnavailable(fmt.Errorf("updating refresh token: unexpected script result %T", res))
	}
}

// ListByOwner returns the owner's records, oldest first.
func (s *RedisTokenStore) ListByOwner(ctx context.Context, ownerID string) ([]TokenRecord, error) {
	ids, err := s.client.SMembers(ctx, s.ownerKey(ownerID)).Result()
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("listing refresh tokens: %w", err))
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("listing refresh tokens: %w", err))
	}

	records := make([]TokenRecord, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // deleted between SMEMBERS and HGETALL
		}
		rec, err := decodeRedisRecord(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].IssuedAt.Before(records[j].IssuedAt) })
	return records, nil
}

// RevokeWhere revokes every matching record that is not revoked yet.
func (s *RedisTokenStore) RevokeWhere(ctx context.Context, f Filter, reason string) (int64, error) {
	keys, args := s.bulkArgs(f)
	count, err := revokeWhereScript.Run(ctx, s.client, keys, append(args, reason)...).Int64()
	if err != nil {
		return 0, storeUnavailable(fmt.Errorf("revoking refresh tokens: %w", err))
	}
	return count, nil
}

// DeleteWhere removes every matching record.
func (s *RedisTokenStore) DeleteWhere(ctx context.Context, f Filter) (int64, error) {
	keys, args := s.bulkArgs(f)
	count, err := deleteWhereScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return 0, storeUnavailable(fmt.Errorf("deleting refresh tokens: %w", err))
	}
	return count, nil
}

func (s *RedisTokenStore) bulkArgs(f Filter) ([]string, []any) {
	ownerKey := ""
	if f.OwnerID != "" {
		ownerKey = s.ownerKey(f.OwnerID)
	}
	return []string{ownerKey, s.expiryKey()}, []any{s.prefix, microsOrEmpty(f.ActiveAt), microsOrEmpty(f.ExpiresAtOrBefore)}
}

func decodeRedisRecord(fields map[string]string) (*TokenRecord, error) {
	issuedAt, err := strconv.ParseInt(fields[fieldIssuedAt], 10, 64)
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("decoding refresh token %q: %w", fields[fieldID], err))
	}
	expiresAt, err := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, storeUnavailable(fmt.Errorf("decoding refresh token %q: %w", fields[fieldID], err))
	}

	return &TokenRecord{
		ID:               fields[fieldID],
		TokenHash:        fields[fieldTokenHash],
		OwnerID:          fields[fieldOwnerID],
		IssuedAt:         time.UnixMicro(issuedAt).UTC(),
		ExpiresAt:        time.UnixMicro(expiresAt).UTC(),
		Used:             fields[fieldUsed] == "1",
		Revoked:          fields[fieldRevoked] == "1",
		RevocationReason: fields[fieldReason],
		ReplacedBy:       fields[fieldReplacedBy],
	}, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func microsOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}
