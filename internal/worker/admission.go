package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const admissionKeyPrefix = "admission:wallet:"

// ErrAdmissionLost is returned by Extend when the token no longer owns its wallet.
var ErrAdmissionLost = errors.New("admission token lost")

// Token is a held per-wallet admission slot.
type Token interface {
	// Extend renews the slot before another unit of work. It fails with
	// ErrAdmissionLost once the slot belongs to someone else.
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Admission hands out at most one token per wallet at a time.
type Admission interface {
	// TryAcquire never blocks; ok is false when another holder has the wallet.
	TryAcquire(ctx context.Context, walletID string) (tok Token, ok bool, err error)
}

// LocalAdmission serializes wallets within a single process.
type LocalAdmission struct {
	mu   sync.Mutex
	held map[string]uint64
	gen  uint64
}

// NewLocalAdmission creates an in-process admission table.
func NewLocalAdmission() *LocalAdmission {
	return &LocalAdmission{held: make(map[string]uint64)}
}

func (a *LocalAdmission) TryAcquire(_ context.Context, walletID string) (Token, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.held[walletID]; busy {
		return nil, false, nil
	}
	a.gen++
	a.held[walletID] = a.gen
	return &localToken{owner: a, walletID: walletID, gen: a.gen}, true, nil
}

// Held reports whether walletID currently has a token out.
func (a *LocalAdmission) Held(walletID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, busy := a.held[walletID]
	return busy
}

type localToken struct {
	owner    *LocalAdmission
	walletID string
	gen      uint64
	once     sync.Once
}

func (t *localToken) Extend(context.Context) error {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.owner.held[t.walletID] != t.gen {
		return fmt.Errorf("%w: wallet %s", ErrAdmissionLost, t.walletID)
	}
	return nil
}

func (t *localToken) Release(context.Context) error {
	t.once.Do(func() {
		t.owner.mu.Lock()
		defer t.owner.mu.Unlock()
		if t.owner.held[t.walletID] == t.gen {
			delete(t.owner.held, t.walletID)
		}
	})
	return nil
}

// RedisAdmission serializes wallets across worker processes with a redsync
// mutex per wallet. The TTL bounds how long a crashed holder blocks its wallet;
// a live holder extends it before each replay.
type RedisAdmission struct {
	rs  *redsync.Redsync
	ttl time.Duration
}

// NewRedisAdmission builds a distributed admission table over client.
func NewRedisAdmission(client *redis.Client, ttl time.Duration) (*RedisAdmission, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("admission ttl must be positive")
	}
	return &RedisAdmission{rs: redsync.New(goredis.NewPool(client)), ttl: ttl}, nil
}

func (a *RedisAdmission) TryAcquire(ctx context.Context, walletID string) (Token, bool, error) {
	mutex := a.rs.NewMutex(admissionKeyPrefix+walletID,
		redsync.WithExpiry(a.ttl),
		redsync.WithTries(1),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		if isContention(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire admission for wallet %s: %w", walletID, err)
	}
	return &redisToken{mutex: mutex}, true, nil
}

func isContention(err error) bool {
	var taken *redsync.ErrTaken
	return errors.Is(err, redsync.ErrFailed) ||
		errors.As(err, &taken) ||
		strings.Contains(err.Error(), "lock already taken")
}

type redisToken struct {
	mutex *redsync.Mutex
}

func (t *redisToken) Extend(ctx context.Context) error {
	ok, err := t.mutex.ExtendContext(ctx)
	if ok {
		return nil
	}
	if err != nil && !isContention(err) && !errors.Is(err, redsync.ErrExtendFailed) {
		return fmt.Errorf("extend admission %s: %w", t.mutex.Name(), err)
	}
	return fmt.Errorf("%w: %s", ErrAdmissionLost, t.mutex.Name())
}

func (t *redisToken) Release(ctx context.Context) error {
	ok, err := t.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("release admission %s: %w", t.mutex.Name(), err)
	}
	if !ok {
		return fmt.Errorf("release admission %s: token expired before release", t.mutex.Name())
	}
	return nil
}
