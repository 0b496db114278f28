package seckill

// admitScript is the atomic admission gate. One script run decides stock,
// per-user dedup, and ticket emission together, so no interleaving of
// concurrent requests can oversell or double-admit.
//
//	KEYS[1] stock counter        KEYS[2] admitted-user set
//	ARGV[1] user id   ARGV[2] voucher id   ARGV[3] order id   ARGV[4] stream
//
// Returns 0 on admission, 1 when stock is exhausted, 2 when the user was
// already admitted. A missing stock key reads as exhausted, never as infinite.
const admitScript = `
local stock = tonumber(redis.call('get', KEYS[1]) or '-1')
if stock <= 0 then
    return 1
end
if redis.call('sismember', KEYS[2], ARGV[1]) == 1 then
    return 2
end
redis.call('incrby', KEYS[1], -1)
redis.call('sadd', KEYS[2], ARGV[1])
redis.call('xadd', ARGV[4], '*',
    'user_id', ARGV[1], 'voucher_id', ARGV[2], 'order_id', ARGV[3])
return 0
`
