package redis

const (
	// openSessionScript creates an active session unless the patron already
	// holds one. Returns 1 on success, 0 if the patron is busy, -1 if the id
	// is taken.
	openSessionScript = `
local session_key = KEYS[1]     -- kcafe:session:{sessionID}
local active_set = KEYS[2]      -- kcafe:sessions:active
local patron_key = KEYS[3]      -- kcafe:sessions:patron:{patronID}

local session_id = ARGV[1]
local patron_id = ARGV[2]
local started_at = ARGV[3]
local last_heartbeat_at = ARGV[4]

if redis.call('EXISTS', patron_key) == 1 then
  return 0
end
if redis.call('EXISTS', session_key) == 1 then
  return -1
end

redis.call('HSET', session_key,
  'id', session_id,
  'patron_id', patron_id,
  'started_at', started_at,
  'last_heartbeat_at', last_heartbeat_at,
  'state', 'active',
  'ended_at', '',
  'charged_amount', '0',
  'shortfall', '0',
  'transaction_id', ''
)
redis.call('SADD', active_set, session_id)
redis.call('SET', patron_key, session_id)

return 1
`

	// heartbeatScript refreshes last_heartbeat_at on an active session.
	// Returns 1 on success, 0 if the session is missing, -1 if it is closed.
	heartbeatScript = `
local session_key = KEYS[1]     -- kcafe:session:{sessionID}
local now = ARGV[1]

if redis.call('EXISTS', session_key) == 0 then
  return 0
end
if redis.call('HGET', session_key, 'state') ~= 'active' then
  return -1
end

redis.call('HSET', session_key, 'last_heartbeat_at', now)
return 1
`

	// closeSessionScript moves an active session to a terminal state and
	// drops it from the active indexes. Returns 1 when closed, 2 when it was
	// already closed, 0 when missing.
	closeSessionScript = `
local session_key = KEYS[1]     -- kcafe:session:{sessionID}
local active_set = KEYS[2]      -- kcafe:sessions:active
local patron_key = KEYS[3]      -- kcafe:sessions:patron:{patronID}

local session_id = ARGV[1]
local state = ARGV[2]
local ended_at = ARGV[3]
local charged_amount = ARGV[4]
local shortfall = ARGV[5]
local transaction_id = ARGV[6]

if redis.call('EXISTS', session_key) == 0 then
  return 0
end
if redis.call('HGET', session_key, 'state') ~= 'active' then
  return 2
end

redis.call('HSET', session_key,
  'state', state,
  'ended_at', ended_at,
  'charged_amount', charged_amount,
  'shortfall', shortfall,
  'transaction_id', transaction_id
)
redis.call('SREM', active_set, session_id)
if redis.call('GET', patron_key) == session_id then
  redis.call('DEL', patron_key)
end

return 1
`

	// openAccountScript creates a zero-balance account if none exists.
	openAccountScript = `
local account_key = KEYS[1]     -- kcafe:account:{patronID}

if redis.call('EXISTS', account_key) == 1 then
  return 0
end

redis.call('HSET', account_key,
  'patron_id', ARGV[1],
  'balance', '0',
  'version', '0',
  'updated_at', ARGV[2]
)
return 1
`

	// applyEntryScript applies a debit or credit to an account and appends
	// the transaction. An entry whose reference was already applied returns
	// the original transaction id instead.
	//
	// Returns {1, id} when applied, {2, id} for a replayed reference,
	// {0} for insufficient funds, {3} when a credit would pass the balance
	// limit and {-1} for an unknown account.
	applyEntryScript = `
local account_key = KEYS[1]     -- kcafe:account:{patronID}
local txn_list = KEYS[2]        -- kcafe:account:{patronID}:txns
local refs_key = KEYS[3]        -- kcafe:account:{patronID}:refs
local txn_key = KEYS[4]         -- kcafe:txn:{transactionID}

local txn_id = ARGV[1]
local patron_id = ARGV[2]
local amount = tonumber(ARGV[3])
local kind = ARGV[4]
local description = ARGV[5]
local reference = ARGV[6]
local allow_partial = ARGV[7]
local created_at = ARGV[8]
local direction = ARGV[9]
local max_balance = tonumber(ARGV[10])

if redis.call('EXISTS', account_key) == 0 then
  return {-1}
end

if reference ~= '' then
  local existing = redis.call('HGET', refs_key, reference)
  if existing then
    return {2, existing}
  end
end

local balance = tonumber(redis.call('HGET', account_key, 'balance'))
local signed = amount
local shortfall = 0

if direction == 'debit' then
  local collected = amount
  if balance < amount then
    if allow_partial ~= '1' then
      return {0}
    end
    collected = math.max(balance, 0)
    shortfall = amount - collected
  end
  signed = -collected
elseif balance + amount > max_balance then
  return {3}
end

local balance_after = balance + signed

redis.call('HSET', account_key, 'balance', string.format('%d', balance_after), 'updated_at', created_at)
redis.call('HINCRBY', account_key, 'version', 1)

redis.call('HSET', txn_key,
  'id', txn_id,
  'patron_id', patron_id,
  'amount', string.format('%d', signed),
  'kind', kind,
  'description', description,
  'reference', reference,
  'shortfall', string.format('%d', shortfall),
  'balance_after', string.format('%d', balance_after),
  'created_at', created_at
)
redis.call('LPUSH', txn_list, txn_id)
if reference ~= '' then
  redis.call('HSET', refs_key, reference, txn_id)
end

return {1, txn_id}
`

	// createPatronScript stores a patron unless the id or email is taken.
	createPatronScript = `
local patron_key = KEYS[1]      -- kcafe:patron:{patronID}
local email_key = KEYS[2]       -- kcafe:patron:email:{email}
local patrons_set = KEYS[3]     -- kcafe:patrons

if redis.call('EXISTS', patron_key) == 1 or redis.call('EXISTS', email_key) == 1 then
  return 0
end

redis.call('HSET', patron_key,
  'id', ARGV[1],
  'name', ARGV[2],
  'email', ARGV[3],
  'password_hash', ARGV[4],
  'created_at', ARGV[5]
)
redis.call('SET', email_key, ARGV[1])
redis.call('SADD', patrons_set, ARGV[1])

return 1
`
)
