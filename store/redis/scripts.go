package redis

import goredis "github.com/redis/go-redis/v9"

// prelude is shared by every job script. ARGV[1] is always the key prefix.
// Index maintenance lives in move, so a status change cannot leave a
// stale entry in any Sorted Set or count.
const prelude = `
local prefix = ARGV[1]
local function jkey(id) return prefix .. 'job:' .. id end
local function waiting(st) return st == 'pending' or st == 'retrying' end
local function counts(q, st, p, d)
  redis.call('HINCRBY', prefix .. 'counts', q .. '|' .. st .. '|' .. p, d)
end
local function enwait(id, q, p)
  local k = jkey(id)
  redis.call('ZADD', prefix .. 'waiting:' .. q .. ':' .. p, redis.call('HGET', k, 'available_at'), id)
  redis.call('ZADD', prefix .. 'fifo:' .. q, redis.call('HGET', k, 'created_at'), id)
end
local function unwait(id, q, p)
  redis.call('ZREM', prefix .. 'waiting:' .. q .. ':' .. p, id)
  redis.call('ZREM', prefix .. 'fifo:' .. q, id)
end
local function index(id, k, q, st, p)
  redis.call('ZADD', prefix .. 'status:' .. st, 0, id)
  counts(q, st, p, 1)
  if waiting(st) then enwait(id, q, p) end
  if st == 'leased' then
    local exp = redis.call('HGET', k, 'lease_expires_at')
    if exp and exp ~= '' then redis.call('ZADD', prefix .. 'leased', exp, id) end
  end
end
local function move(id, to)
  local k = jkey(id)
  local q = redis.call('HGET', k, 'queue')
  local p = redis.call('HGET', k, 'priority')
  local from = redis.call('HGET', k, 'status')
  if waiting(from) then unwait(id, q, p) end
  if from == 'leased' then redis.call('ZREM', prefix .. 'leased', id) end
  redis.call('ZREM', prefix .. 'status:' .. from, id)
  counts(q, from, p, -1)
  redis.call('HSET', k, 'status', to)
  index(id, k, q, to, p)
end
local function holder(k, token)
  if redis.call('EXISTS', k) == 0 then return 'not_found' end
  if redis.call('HGET', k, 'status') ~= 'leased' or redis.call('HGET', k, 'lease_token') ~= token then
    return 'lease_expired'
  end
  return nil
end
local function cancel(id, reason, now)
  local k = jkey(id)
  redis.call('HSET', k, 'last_error', reason, 'completed_at', now, 'updated_at', now)
  move(id, 'cancelled')
  return {'ok', redis.call('HGETALL', k)}
end
`

func newScript(body string) *goredis.Script { return goredis.NewScript(prelude + body) }

// ARGV: prefix, id, field, value, ...
var enqueueScript = newScript(`
local id = ARGV[2]
local k = jkey(id)
if redis.call('EXISTS', k) == 1 then return 0 end
local fields = {}
for i = 3, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call('HSET', k, unpack(fields))
redis.call('ZADD', prefix .. 'jobs', 0, id)
index(id, k, redis.call('HGET', k, 'queue'), redis.call('HGET', k, 'status'), redis.call('HGET', k, 'priority'))
return 1
`)

// ARGV: prefix, max depth, queue, id, field, value, ...
// fifo:<queue> holds exactly the queue's waiting jobs, so its cardinality
// is the depth.
var enqueueBoundedScript = newScript(`
local max, q, id = tonumber(ARGV[2]), ARGV[3], ARGV[4]
local k = jkey(id)
if redis.call('EXISTS', k) == 1 then return -1 end
if redis.call('ZCARD', prefix .. 'fifo:' .. q) >= max then return 0 end
local fields = {}
for i = 5, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call('HSET', k, unpack(fields))
redis.call('ZADD', prefix .. 'jobs', 0, id)
index(id, k, q, redis.call('HGET', k, 'status'), redis.call('HGET', k, 'priority'))
return 1
`)

// ARGV: prefix, queue, now, expires, worker, token, priority...
var leaseScript = newScript(`
local q, now = ARGV[2], ARGV[3]
for i = 7, #ARGV do
  local ids = redis.call('ZRANGEBYSCORE', prefix .. 'waiting:' .. q .. ':' .. ARGV[i], '-inf', now, 'LIMIT', 0, 16)
  for _, id in ipairs(ids) do
    local k = jkey(id)
    local attempts = tonumber(redis.call('HGET', k, 'attempts'))
    if attempts < tonumber(redis.call('HGET', k, 'max_attempts')) then
      redis.call('HSET', k,
        'attempts', tostring(attempts + 1),
        'lease_expires_at', ARGV[4],
        'leased_by', ARGV[5],
        'lease_token', ARGV[6],
        'updated_at', now)
      move(id, 'leased')
      return redis.call('HGETALL', k)
    end
  end
end
return false
`)

// ARGV: prefix, id, token, now
var ackScript = newScript(`
local k = jkey(ARGV[2])
if redis.call('EXISTS', k) == 0 then return 'not_found' end
if redis.call('HGET', k, 'lease_token') ~= ARGV[3] then return 'lease_expired' end
local st = redis.call('HGET', k, 'status')
if st == 'succeeded' then return 'ok' end
if st ~= 'leased' then return 'lease_expired' end
redis.call('HSET', k, 'lease_expires_at', '', 'completed_at', ARGV[4], 'updated_at', ARGV[4])
move(ARGV[2], 'succeeded')
return 'ok'
`)

// ARGV: prefix, id, token, status, error, now, available_at
var failScript = newScript(`
local k = jkey(ARGV[2])
local miss = holder(k, ARGV[3])
if miss then return miss end
if ARGV[4] == 'retrying' then
  redis.call('HSET', k, 'last_error', ARGV[5], 'lease_expires_at', '', 'available_at', ARGV[7],
    'lease_token', '', 'leased_by', '', 'updated_at', ARGV[6])
else
  redis.call('HSET', k, 'last_error', ARGV[5], 'lease_expires_at', '', 'completed_at', ARGV[6],
    'updated_at', ARGV[6])
end
move(ARGV[2], ARGV[4])
return 'ok'
`)

// ARGV: prefix, id, token, until
var extendScript = newScript(`
local k = jkey(ARGV[2])
local miss = holder(k, ARGV[3])
if miss then return miss end
redis.call('HSET', k, 'lease_expires_at', ARGV[4])
redis.call('ZADD', prefix .. 'leased', ARGV[4], ARGV[2])
return 'ok'
`)

// ARGV: prefix, now, limit
var reclaimScript = newScript(`
local now = ARGV[2]
local limit = tonumber(ARGV[3])
if limit <= 0 then limit = -1 end
local ids = redis.call('ZRANGEBYSCORE', prefix .. 'leased', '-inf', '(' .. now, 'LIMIT', 0, limit)
local out = {}
for _, id in ipairs(ids) do
  local k = jkey(id)
  redis.call('HSET', k, 'lease_expires_at', '', 'lease_token', '', 'leased_by', '', 'updated_at', now)
  local attempts = redis.call('HGET', k, 'attempts')
  if tonumber(attempts) >= tonumber(redis.call('HGET', k, 'max_attempts')) then
    redis.call('HSET', k, 'last_error', 'lease expired on final attempt ' .. attempts, 'completed_at', now)
    move(id, 'dead_lettered')
  else
    redis.call('HSET', k, 'available_at', now)
    move(id, 'pending')
  end
  out[#out + 1] = redis.call('HGETALL', k)
end
return out
`)

// ARGV: prefix, id, reason, now
var cancelScript = newScript(`
local k = jkey(ARGV[2])
if redis.call('EXISTS', k) == 0 then return {'not_found'} end
local st = redis.call('HGET', k, 'status')
if not waiting(st) then return {'invalid', st} end
return cancel(ARGV[2], ARGV[3], ARGV[4])
`)

// ARGV: prefix, queue, reason, now
var dropOldestScript = newScript(`
local ids = redis.call('ZRANGE', prefix .. 'fifo:' .. ARGV[2], 0, 0)
if #ids == 0 then return {'not_found'} end
return cancel(ids[1], ARGV[3], ARGV[4])
`)

// ARGV: prefix, status, before
var purgeScript = newScript(`
local n = 0
local set = prefix .. 'status:' .. ARGV[2]
for _, id in ipairs(redis.call('ZRANGE', set, 0, -1)) do
  local k = jkey(id)
  if tonumber(redis.call('HGET', k, 'updated_at')) < tonumber(ARGV[3]) then
    counts(redis.call('HGET', k, 'queue'), ARGV[2], redis.call('HGET', k, 'priority'), -1)
    redis.call('DEL', k)
    redis.call('ZREM', set, id)
    redis.call('ZREM', prefix .. 'jobs', id)
    n = n + 1
  end
end
return n
`)

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

const schedulePrelude = `
local prefix = ARGV[1]
local function skey(id) return prefix .. 'schedule:' .. id end
local function due(id)
  local k = skey(id)
  if redis.call('HGET', k, 'enabled') == '1' then
    redis.call('ZADD', prefix .. 'schedules_due', redis.call('HGET', k, 'next_run_at'), id)
  else
    redis.call('ZREM', prefix .. 'schedules_due', id)
  end
end
`

func newScheduleScript(body string) *goredis.Script { return goredis.NewScript(schedulePrelude + body) }

// ARGV: prefix, id, name, field, value, ...
var createScheduleScript = newScheduleScript(`
local k = skey(ARGV[2])
if redis.call('HEXISTS', prefix .. 'schedule_names', ARGV[3]) == 1 then return 'duplicate' end
if redis.call('EXISTS', k) == 1 then return 'duplicate' end
local fields = {}
for i = 4, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call('HSET', k, unpack(fields))
redis.call('HSET', prefix .. 'schedule_names', ARGV[3], ARGV[2])
due(ARGV[2])
return 'ok'
`)

// ARGV: prefix, id, field, value, ...
var updateScheduleScript = newScheduleScript(`
local k = skey(ARGV[2])
if redis.call('EXISTS', k) == 0 then return 'not_found' end
local fields = {}
for i = 3, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call('HSET', k, unpack(fields))
due(ARGV[2])
return 'ok'
`)

// ARGV: prefix, id, expected, next, fired
var advanceScheduleScript = newScheduleScript(`
local k = skey(ARGV[2])
if redis.call('EXISTS', k) == 0 then return -1 end
if redis.call('HGET', k, 'next_run_at') ~= ARGV[3] then return 0 end
redis.call('HSET', k, 'next_run_at', ARGV[4], 'last_run_at', ARGV[5], 'updated_at', ARGV[5])
due(ARGV[2])
return 1
`)

// ARGV: prefix, id
var deleteScheduleScript = newScheduleScript(`
local k = skey(ARGV[2])
if redis.call('EXISTS', k) == 0 then return 0 end
redis.call('HDEL', prefix .. 'schedule_names', redis.call('HGET', k, 'name'))
redis.call('DEL', k)
redis.call('ZREM', prefix .. 'schedules_due', ARGV[2])
return 1
`)

var allScripts = []*goredis.Script{
	enqueueScript, leaseScript, ackScript, failScript, extendScript, reclaimScript,
	cancelScript, dropOldestScript, purgeScript,
	createScheduleScript, updateScheduleScript, advanceScheduleScript, deleteScheduleScript,
}
