// Package redis implements store.Store on Redis with go-redis/v9.
//
// Jobs are Hashes. Waiting jobs sit in one Sorted Set per queue and
// priority scored by available_at, leased jobs in a Sorted Set scored by
// lease expiry. Every transition runs as a Lua script so it is atomic with
// the index updates it implies. Times are stored as Unix microseconds.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
//
// All keys share the "{conveyor}:" hash tag, so a cluster deployment keeps
// them in one slot.
package redis
