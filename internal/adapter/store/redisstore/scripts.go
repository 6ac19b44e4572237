package redisstore

// Server-side scripts. These are the serialization points for transitions
// that may race across handlers: approval resolution, the dispatch rate
// limiter and the dependency-gate countdown.

// luaApproveCAS swaps an approval to approved iff its current status allows
// it. KEYS[1] = approval hash, ARGV[1] = approvedAt timestamp.
// Returns "ok", the current status string, "missing" or "malformed".
const luaApproveCAS = `
local exists = redis.call("EXISTS", KEYS[1])
if exists == 0 then
  return "missing"
end
local status = redis.call("HGET", KEYS[1], "status")
if status == false or status == nil then
  return "malformed"
end
if status == "pending" or status == "approved_spawn_failed" then
  redis.call("HSET", KEYS[1], "status", "approved", "approvedAt", ARGV[1])
  return "ok"
end
return status
`

// luaRejectCAS swaps pending -> rejected only; it must never overwrite an
// approval that already won the race. KEYS[1] = approval hash,
// ARGV[1] = rejectedAt timestamp.
const luaRejectCAS = `
local exists = redis.call("EXISTS", KEYS[1])
if exists == 0 then
  return "missing"
end
local status = redis.call("HGET", KEYS[1], "status")
if status == false or status == nil then
  return "malformed"
end
if status == "pending" then
  redis.call("HSET", KEYS[1], "status", "rejected", "rejectedAt", ARGV[1])
  return "ok"
end
return status
`

// luaRateLimit increments the per-caller window counter, arming the TTL on
// the first increment of the window. KEYS[1] = counter, ARGV[1] = TTL
// seconds. Returns the counter value after increment.
const luaRateLimit = `
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`

// luaGateDecr decrements a parent job's pending-gates counter, deleting the
// key when it reaches zero. KEYS[1] = counter. Returns the remaining count.
const luaGateDecr = `
local v = redis.call("DECR", KEYS[1])
if v <= 0 then
  redis.call("DEL", KEYS[1])
  return 0
end
return v
`
