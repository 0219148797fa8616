package redis

import "github.com/redis/go-redis/v9"

// In-flight hash values are "<identity>|<unix_ms>".

// KEYS[1] set, KEYS[2] in-flight hash; ARGV[1] count, ARGV[2] value.
var claimScript = redis.NewScript(`
local popped = redis.call('SPOP', KEYS[1], ARGV[1])
for _, k in ipairs(popped) do
	redis.call('HSET', KEYS[2], k, ARGV[2])
end
return popped
`)

// KEYS[1] set, KEYS[2] in-flight hash; ARGV[1] identity, ARGV[2..] keys.
var releaseScript = redis.NewScript(`
local owner = ARGV[1] .. '|'
local n = 0
for i = 2, #ARGV do
	local v = redis.call('HGET', KEYS[2], ARGV[i])
	if v and string.sub(v, 1, #owner) == owner then
		redis.call('HDEL', KEYS[2], ARGV[i])
		redis.call('SADD', KEYS[1], ARGV[i])
		n = n + 1
	end
end
return n
`)

// KEYS[1] in-flight hash; ARGV[1] identity, ARGV[2..] keys. Drops the
// entries owned by identity and returns their keys.
var finishScript = redis.NewScript(`
local owner = ARGV[1] .. '|'
local owned = {}
for i = 2, #ARGV do
	local v = redis.call('HGET', KEYS[1], ARGV[i])
	if v and string.sub(v, 1, #owner) == owner then
		redis.call('HDEL', KEYS[1], ARGV[i])
		table.insert(owned, ARGV[i])
	end
end
return owned
`)

// KEYS[1] set, KEYS[2] in-flight hash; ARGV keys. Keys already in flight
// are left alone.
var offerScript = redis.NewScript(`
local n = 0
for i = 1, #ARGV do
	if redis.call('HEXISTS', KEYS[2], ARGV[i]) == 0 then
		n = n + redis.call('SADD', KEYS[1], ARGV[i])
	end
end
return n
`)

// KEYS in-flight hashes; ARGV[1] identity, ARGV[2] new value.
var heartbeatScript = redis.NewScript(`
local owner = ARGV[1] .. '|'
local n = 0
for _, h in ipairs(KEYS) do
	local all = redis.call('HGETALL', h)
	for i = 1, #all, 2 do
		if string.sub(all[i + 1], 1, #owner) == owner then
			redis.call('HSET', h, all[i], ARGV[2])
			n = n + 1
		end
	end
end
return n
`)

// KEYS alternating set, in-flight hash; ARGV[1] mode ("owner" or "before"),
// ARGV[2] identity or cutoff in unix ms. Matching entries go back to their set.
var dropScript = redis.NewScript(`
local n = 0
for j = 1, #KEYS, 2 do
	local set, h = KEYS[j], KEYS[j + 1]
	local all = redis.call('HGETALL', h)
	for i = 1, #all, 2 do
		local key, v = all[i], all[i + 1]
		local match = false
		if ARGV[1] == 'owner' then
			match = string.sub(v, 1, #ARGV[2] + 1) == ARGV[2] .. '|'
		else
			local ts = tonumber(string.match(v, '|(%d+)$'))
			match = ts == nil or ts < tonumber(ARGV[2])
		end
		if match then
			redis.call('HDEL', h, key)
			redis.call('SADD', set, key)
			n = n + 1
		end
	end
end
return n
`)
