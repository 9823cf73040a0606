package cache

import redis "github.com/redis/go-redis/v9"

// KEYS[1] record, KEYS[2] guard
// ARGV[1] fetched at (ms), ARGV[2] ttl (ms), ARGV[3..] field/value pairs
var setRecordScript = redis.NewScript(`
local guard = tonumber(redis.call("GET", KEYS[2]) or "0")
if tonumber(ARGV[1]) < guard then
  return "STALE_WRITE"
end
if redis.call("EXISTS", KEYS[1]) == 1 then
  return "CACHE_EXISTS"
end
for i = 3, #ARGV, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return "OK"
`)

// KEYS[1] record, KEYS[2] guard
// ARGV[1] now (ms), ARGV[2] guard ttl (ms)
var invalidateScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[2]) or "0")
if tonumber(ARGV[1]) > current then
  redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
elseif redis.call("PTTL", KEYS[2]) < tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
redis.call("DEL", KEYS[1])
return 1
`)
