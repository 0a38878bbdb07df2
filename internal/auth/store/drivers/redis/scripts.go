package redis

import goredis "github.com/redis/go-redis/v9"

// Every key of a store shares one hash tag, so the scripts below touch a
// single cluster slot even when they derive record keys from ids.
//
// A record hash has the fields id, ptype, pid, hash, device, ip, ua, exp,
// created, rev and reason. Times are unix microseconds; rev is "" while the
// record is unrevoked.

// saveFn supersedes the live record for the device and writes the new one.
// k = {record, hash index, principal set, device pointer, expiry zset}
// a = {id, ptype, pid, hash, device, ip, ua, exp, created}
const saveFn = `
local function save(k, a, recPrefix)
  if redis.call("EXISTS", k[1]) == 1 or redis.call("EXISTS", k[2]) == 1 then
    return 0
  end
  if a[5] ~= "" then
    local prev = redis.call("GET", k[4])
    if prev then
      local pk = recPrefix .. prev
      if redis.call("HGET", pk, "rev") == "" then
        redis.call("HSET", pk, "rev", a[9], "reason", "superseded")
      end
    end
    redis.call("SET", k[4], a[1])
  end
  redis.call("HSET", k[1],
    "id", a[1], "ptype", a[2], "pid", a[3], "hash", a[4], "device", a[5],
    "ip", a[6], "ua", a[7], "exp", a[8], "created", a[9], "rev", "", "reason", "")
  redis.call("SET", k[2], a[1])
  redis.call("SADD", k[3], a[1])
  redis.call("ZADD", k[5], a[8], a[1])
  return 1
end
`

// KEYS = save keys; ARGV = recPrefix, save args
var saveLua = goredis.NewScript(saveFn + `
return save(
  {KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]},
  {ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7], ARGV[8], ARGV[9], ARGV[10]},
  ARGV[1])
`)

// Returns 1 when revoked now, 0 when it already was, -1 when missing.
// KEYS = record; ARGV = now, reason
const revokeFn = `
local function revoke(k, now, reason)
  local rev = redis.call("HGET", k, "rev")
  if rev == false then
    return -1
  end
  if rev ~= "" then
    return 0
  end
  redis.call("HSET", k, "rev", now, "reason", reason)
  return 1
end
`

var revokeLua = goredis.NewScript(revokeFn + `
return revoke(KEYS[1], ARGV[1], ARGV[2])
`)

// Returns -1 when the old record is missing, -2 when it lost the
// compare-and-swap, 0 when next already exists and 1 on success.
// KEYS = old record, save keys; ARGV = recPrefix, now, save args
var rotateLua = goredis.NewScript(saveFn + revokeFn + `
local rev = redis.call("HGET", KEYS[1], "rev")
if rev == false then
  return -1
end
if rev ~= "" then
  return -2
end
if redis.call("EXISTS", KEYS[2]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 then
  return 0
end
revoke(KEYS[1], ARGV[2], "rotated")
return save(
  {KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6]},
  {ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7], ARGV[8], ARGV[9], ARGV[10], ARGV[11]},
  ARGV[1])
`)

// KEYS = principal set; ARGV = recPrefix, now, reason
var revokeAllLua = goredis.NewScript(revokeFn + `
local n = 0
for _, id in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  local res = revoke(ARGV[1] .. id, ARGV[2], ARGV[3])
  if res == 1 then
    n = n + 1
  elseif res == -1 then
    redis.call("SREM", KEYS[1], id)
  end
end
return n
`)

// KEYS = expiry zset; ARGV = before, recPrefix, hashPrefix, principalPrefix, devicePrefix
var purgeLua = goredis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
for _, id in ipairs(ids) do
  local k = ARGV[2] .. id
  local f = redis.call("HMGET", k, "hash", "ptype", "pid", "device")
  if f[1] then
    redis.call("DEL", ARGV[3] .. f[1])
  end
  if f[2] and f[3] then
    local owner = f[2] .. ":" .. f[3]
    redis.call("SREM", ARGV[4] .. owner, id)
    if f[4] and f[4] ~= "" then
      local dk = ARGV[5] .. owner .. ":" .. f[4]
      if redis.call("GET", dk) == id then
        redis.call("DEL", dk)
      end
    end
  end
  redis.call("DEL", k)
  redis.call("ZREM", KEYS[1], id)
end
return #ids
`)
