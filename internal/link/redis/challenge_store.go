package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/link"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "harmonize:link:challenge:"

var ErrInvalidConfig = errors.New("link/redis: invalid config")

// consumeScript deletes KEYS[1] only if it still holds ARGV[1].
var consumeScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ChallengeStore keeps sign-in challenges in Redis with a TTL so abandoned ones expire.
type ChallengeStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewChallengeStore(client goredis.UniversalClient, prefix string, ttl time.Duration) (*ChallengeStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be > 0", ErrInvalidConfig)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ChallengeStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *ChallengeStore) key(addr common.Address) string {
	return s.prefix + strings.ToLower(addr.Hex())
}

func (s *ChallengeStore) Put(ctx context.Context, addr common.Address, challenge string) error {
	if challenge == "" {
		return fmt.Errorf("%w: empty challenge", link.ErrInvalidInput)
	}
	if err := s.client.Set(ctx, s.key(addr), challenge, s.ttl).Err(); err != nil {
		return fmt.Errorf("link/redis: put: %w", err)
	}
	return nil
}

func (s *ChallengeStore) Get(ctx context.Context, addr common.Address) (string, error) {
	v, err := s.client.Get(ctx, s.key(addr)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", link.ErrNoChallenge
		}
		return "", fmt.Errorf("link/redis: get: %w", err)
	}
	return v, nil
}

func (s *ChallengeStore) Consume(ctx context.Context, addr common.Address, challenge string) error {
	n, err := consumeScript.Run(ctx, s.client, []string{s.key(addr)}, challenge).Int64()
	if err != nil {
		return fmt.Errorf("link/redis: consume: %w", err)
	}
	if n == 0 {
		return link.ErrNoChallenge
	}
	return nil
}

var _ link.ChallengeStore = (*ChallengeStore)(nil)
