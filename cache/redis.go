/*
Package cache provides a Redis-backed balance cache for the ledger engine.

PURPOSE:
  Serves GetWallet lookups without touching the database. Entries are keyed
  by (user type, user id), encoded as JSON and expire after a TTL.

GENERATIONS:
  Each wallet has a counter next to its entry. Invalidate deletes the entry
  and increments the counter in one script. Lookup returns the counter on a
  miss and Fill writes only while it is unchanged, so a reader that loaded
  the wallet before a commit cannot put the old balance back after that
  commit's invalidation.

    reader: Lookup (miss, gen 3) ... FindWallet (old) ........ Fill(gen 3) -> skipped
    writer:                          commit -> Invalidate (gen 4)

SEE ALSO:
  - ledger/store.go: BalanceCache contract
*/
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/learnhub/wallet-ledger/ledger"
)

const (
	DefaultTTL = 5 * time.Minute

	// generationTTL outlives any entry so a counter never resets under a
	// live reader.
	generationTTL = 24 * time.Hour
)

var (
	fillScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if (gen or '0') ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

	invalidateScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
local gen = redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return gen
`)
)

// WalletCache implements ledger.BalanceCache.
type WalletCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ ledger.BalanceCache = (*WalletCache)(nil)

func NewWalletCache(rdb *redis.Client, ttl time.Duration) *WalletCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &WalletCache{rdb: rdb, ttl: ttl}
}

// Connect builds a client and checks the server is reachable.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func walletKey(userID string, userType ledger.UserType) string {
	return fmt.Sprintf("wallet:%s:%s", userType, userID)
}

func generationKey(userID string, userType ledger.UserType) string {
	return walletKey(userID, userType) + ":gen"
}

func (c *WalletCache) Lookup(ctx context.Context, userID string, userType ledger.UserType) (*ledger.Wallet, int64, error) {
	vals, err := c.rdb.MGet(ctx, walletKey(userID, userType), generationKey(userID, userType)).Result()
	if err != nil {
		return nil, 0, err
	}
	if len(vals) != 2 {
		return nil, 0, fmt.Errorf("unexpected MGET reply of %d values", len(vals))
	}

	gen, err := parseGeneration(vals[1])
	if err != nil {
		return nil, 0, err
	}

	data, ok := vals[0].(string)
	if !ok {
		return nil, gen, nil
	}
	var w ledger.Wallet
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, 0, fmt.Errorf("corrupt cache entry for %s: %w", userID, err)
	}
	return &w, gen, nil
}

func (c *WalletCache) Fill(ctx context.Context, w ledger.Wallet, gen int64) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	keys := []string{walletKey(w.UserID, w.UserType), generationKey(w.UserID, w.UserType)}
	return fillScript.Run(ctx, c.rdb, keys, strconv.FormatInt(gen, 10), string(data), c.ttl.Milliseconds()).Err()
}

func (c *WalletCache) Invalidate(ctx context.Context, w ledger.Wallet) error {
	keys := []string{walletKey(w.UserID, w.UserType), generationKey(w.UserID, w.UserType)}
	return invalidateScript.Run(ctx, c.rdb, keys, generationTTL.Milliseconds()).Err()
}

func parseGeneration(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected generation value %T", v)
	}
	gen, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cache generation %q: %w", s, err)
	}
	return gen, nil
}
