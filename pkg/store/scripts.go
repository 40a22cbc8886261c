package store

import "github.com/go-redis/redis/v8"

// allocateNumScript atomically allocates a tunnel number for an organization.
// Reuse of freed numbers takes priority over incrementing the counter; the
// counter is bounded by ARGV[1] and rolled back on overflow.
//
// KEYS[1] = free set, KEYS[2] = next-id counter
// Returns the allocated number, or -1 when the pool is exhausted.
var allocateNumScript = redis.NewScript(`
local freed = redis.call("SPOP", KEYS[1])
if freed then
	return tonumber(freed)
end
local next = redis.call("INCR", KEYS[2])
if next > tonumber(ARGV[1]) then
	redis.call("DECR", KEYS[2])
	return -1
end
return next - 1
`)

// incSyncTrialsScript atomically increments a device's full-sync trial
// counter. When the counter exceeds ARGV[1] auto-sync is disabled in the same
// step, so two racing reconcilers cannot both schedule an extra attempt.
//
// KEYS[1] = device sync hash
// Returns the post-increment trial count.
var incSyncTrialsScript = redis.NewScript(`
local t = redis.call("HINCRBY", KEYS[1], "trials", 1)
if t > tonumber(ARGV[1]) then
	redis.call("HSET", KEYS[1], "autosync", "off")
end
return t
`)

// acquireLockScript atomically acquires the per-device sync-hash lock with a
// bounded occupation TTL. Returns 1 on success, 0 if already held.
var acquireLockScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
	return 0
end
redis.call("HSET", key, "holder", ARGV[1], "acquired", ARGV[2])
redis.call("EXPIRE", key, tonumber(ARGV[3]))
return 1
`)

// releaseLockScript releases the sync-hash lock with holder verification.
// Returns 1 on success, 0 on holder mismatch, -1 if the lock expired.
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
	return -1
end
if redis.call("HGET", key, "holder") ~= ARGV[1] then
	return 0
end
redis.call("DEL", key)
return 1
`)
