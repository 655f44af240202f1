package ledger

// Lua scripts implementing the three atomic money operations. Each script
// is loaded once via redis.NewScript and reused for every call, the same
// idiom the teacher's loadLuaScripts uses. Key naming:
//
//   budget:{tenant_id}:balance_usd_micros  (string int, USD_MICROS)
//   reserve:{run_id}                       (hash, TTL on reserve)
//   receipt:{run_id}                       (hash, TTL on settle — the
//                                            only authoritative proof a
//                                            run was settled; reconciler
//                                            and audit read this, never
//                                            TTL-age heuristics)

const reserveScript = `
local budget_key = KEYS[1]
local reserve_key = KEYS[2]
local tenant_id = ARGV[1]
local reserved = tonumber(ARGV[2])
local created_at_ms = ARGV[3]
local run_id = ARGV[4]

if redis.call("EXISTS", reserve_key) == 1 then
  return {"ERR_ALREADY_RESERVED", "0"}
end

local bal = tonumber(redis.call("GET", budget_key) or "0")
if bal < reserved then
  return {"ERR_INSUFFICIENT", tostring(bal)}
end

redis.call("SET", budget_key, tostring(bal - reserved))
redis.call("HSET", reserve_key,
  "tenant_id", tenant_id,
  "run_id", run_id,
  "reserved_usd_micros", tostring(reserved),
  "created_at_ms", created_at_ms
)
return {"OK", tostring(bal - reserved)}
`

// settleScript settles a reservation with the actual charge, refunding the
// remainder to the tenant's balance, and atomically writes a receipt —
// the sole proof of settlement the Reconciler and audit tooling trust.
const settleScript = `
local budget_key = KEYS[1]
local reserve_key = KEYS[2]
local receipt_key = KEYS[3]
local charge = tonumber(ARGV[1])
local tenant_id = ARGV[2]
local run_id = ARGV[3]
local settled_at_ms = ARGV[4]

if redis.call("EXISTS", reserve_key) ~= 1 then
  return {"ERR_NO_RESERVE", "0", "0", "0"}
end

local reserved = tonumber(redis.call("HGET", reserve_key, "reserved_usd_micros") or "0")

if charge < 0 then
  charge = 0
end
if charge > reserved then
  charge = reserved
end

local refund = reserved - charge

local bal = tonumber(redis.call("GET", budget_key) or "0")
bal = bal + refund
if bal < 0 then
  bal = 0
end

redis.call("SET", budget_key, tostring(bal))
redis.call("DEL", reserve_key)
redis.call("HSET", receipt_key,
  "tenant_id", tenant_id,
  "run_id", run_id,
  "charged_usd_micros", tostring(charge),
  "refunded_usd_micros", tostring(refund),
  "settled_at_ms", settled_at_ms
)
redis.call("EXPIRE", receipt_key, 86400)

return {"OK", tostring(charge), tostring(refund), tostring(bal)}
`

const refundFullScript = `
local budget_key = KEYS[1]
local reserve_key = KEYS[2]

if redis.call("EXISTS", reserve_key) ~= 1 then
  return {"ERR_NO_RESERVE", "0", "0"}
end

local reserved = tonumber(redis.call("HGET", reserve_key, "reserved_usd_micros") or "0")
local bal = tonumber(redis.call("GET", budget_key) or "0")
bal = bal + reserved

redis.call("SET", budget_key, tostring(bal))
redis.call("DEL", reserve_key)

return {"OK", tostring(reserved), tostring(bal)}
`
