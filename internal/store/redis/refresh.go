package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	red "github.com/redis/go-redis/v9"

	"usermanage.org/internal/auth"
)

const (
	fieldHash    = "hash"
	fieldExpires = "exp"
)

// swapScript replaces the stored token only while it still equals ARGV[1].
var swapScript = red.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'hash')
if cur ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'hash', ARGV[2], 'exp', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return 1
`)

// RefreshTokenRepository keeps one refresh token hash per user in a Redis
// hash. Keys expire together with the token.
type RefreshTokenRepository struct {
	client red.UniversalClient
	prefix string
}

var _ auth.RefreshTokenStore = (*RefreshTokenRepository)(nil)

func NewRefreshTokenRepository(client red.UniversalClient, prefix string) *RefreshTokenRepository {
	return &RefreshTokenRepository{client: client, prefix: prefix}
}

func (r *RefreshTokenRepository) key(userID string) string {
	if r.prefix == "" {
		return userID
	}
	return r.prefix + ":" + userID
}

// RefreshToken returns the stored token, or a zero value when none is set.
func (r *RefreshTokenRepository) RefreshToken(ctx context.Context, userID string) (auth.StoredRefreshToken, error) {
	vals, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return auth.StoredRefreshToken{}, fmt.Errorf("redis: read refresh token: %w", err)
	}
	hash := vals[fieldHash]
	if hash == "" {
		return auth.StoredRefreshToken{}, nil
	}
	ms, err := strconv.ParseInt(vals[fieldExpires], 10, 64)
	if err != nil {
		return auth.StoredRefreshToken{}, fmt.Errorf("redis: parse refresh token expiry: %w", err)
	}
	return auth.StoredRefreshToken{Hash: hash, ExpiresAt: time.UnixMilli(ms).UTC()}, nil
}

func (r *RefreshTokenRepository) SetRefreshToken(ctx context.Context, userID string, tok auth.StoredRefreshToken) error {
	key := r.key(userID)
	if tok.Hash == "" {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis: clear refresh token: %w", err)
		}
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(p red.Pipeliner) error {
		p.HSet(ctx, key, fieldHash, tok.Hash, fieldExpires, tok.ExpiresAt.UnixMilli())
		p.PExpireAt(ctx, key, tok.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: store refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) SwapRefreshToken(ctx context.Context, userID, expectedHash string, next auth.StoredRefreshToken) error {
	if expectedHash == "" || next.Hash == "" {
		return auth.ErrRefreshConflict
	}
	swapped, err := swapScript.Run(ctx, r.client, []string{r.key(userID)},
		expectedHash, next.Hash, next.ExpiresAt.UnixMilli()).Int()
	if err != nil {
		if errors.Is(err, red.Nil) {
			return auth.ErrRefreshConflict
		}
		return fmt.Errorf("redis: swap refresh token: %w", err)
	}
	if swapped != 1 {
		return auth.ErrRefreshConflict
	}
	return nil
}
