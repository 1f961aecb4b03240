package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/walletqueue/internal/broker"
	"github.com/congo-pay/walletqueue/internal/transaction"
)

// Parked is a delivery waiting for its wallet to become free.
type Parked struct {
	TransactionID string
	Message       broker.Message
	ParkedAt      time.Time
}

// DeferredQueue holds deliveries that arrived while their wallet was busy.
// Once parked, the original broker delivery is acked and the queue owns the message.
type DeferredQueue interface {
	Park(ctx context.Context, walletID, txID string, msg broker.Message) error
	// Take removes the parked delivery of txID. Concurrent callers get it at most once.
	Take(ctx context.Context, walletID, txID string) (broker.Message, bool, error)
	// Next removes and returns the oldest parked delivery of the wallet.
	Next(ctx context.Context, walletID string) (Parked, bool, error)
	Len(ctx context.Context, walletID string) (int, error)
}

type parkedBlob struct {
	Body       []byte    `json:"body"`
	RetryCount int       `json:"retry_count"`
	ParkedAt   time.Time `json:"parked_at"`
}

func encodeParked(msg broker.Message, at time.Time) ([]byte, error) {
	return json.Marshal(parkedBlob{Body: msg.Body, RetryCount: msg.RetryCount, ParkedAt: at})
}

func decodeParked(txID string, raw []byte) (Parked, error) {
	var b parkedBlob
	if err := json.Unmarshal(raw, &b); err != nil {
		return Parked{}, fmt.Errorf("decode parked delivery %s: %w", txID, err)
	}
	return Parked{
		TransactionID: txID,
		Message:       broker.Message{Body: b.Body, RetryCount: b.RetryCount},
		ParkedAt:      b.ParkedAt,
	}, nil
}

// StoreDeferredQueue parks deliveries on the transaction record itself, so
// replay order follows transaction creation order.
type StoreDeferredQueue struct {
	store transaction.Store
	now   func() time.Time
}

// NewStoreDeferredQueue parks into the store's stashed_message column.
func NewStoreDeferredQueue(store transaction.Store) *StoreDeferredQueue {
	return &StoreDeferredQueue{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (q *StoreDeferredQueue) Park(ctx context.Context, _ string, txID string, msg broker.Message) error {
	blob, err := encodeParked(msg, q.now())
	if err != nil {
		return err
	}
	return q.store.StashMessage(ctx, txID, blob)
}

func (q *StoreDeferredQueue) Take(ctx context.Context, _ string, txID string) (broker.Message, bool, error) {
	raw, err := q.store.TakeStash(ctx, txID)
	if err != nil || raw == nil {
		if errors.Is(err, transaction.ErrNotFound) {
			err = nil
		}
		return broker.Message{}, false, err
	}
	p, err := decodeParked(txID, raw)
	if err != nil {
		return broker.Message{}, false, err
	}
	return p.Message, true, nil
}

func (q *StoreDeferredQueue) Next(ctx context.Context, walletID string) (Parked, bool, error) {
	// A concurrent Take may win the oldest entry between the lookup and the take.
	for attempt := 0; attempt < 3; attempt++ {
		tx, err := q.store.OldestStashed(ctx, walletID)
		if errors.Is(err, transaction.ErrNotFound) {
			return Parked{}, false, nil
		}
		if err != nil {
			return Parked{}, false, err
		}
		raw, err := q.store.TakeStash(ctx, tx.ID)
		if err != nil {
			return Parked{}, false, err
		}
		if raw == nil {
			continue
		}
		p, err := decodeParked(tx.ID, raw)
		return p, err == nil, err
	}
	return Parked{}, false, nil
}

func (q *StoreDeferredQueue) Len(ctx context.Context, walletID string) (int, error) {
	return q.store.CountStashed(ctx, walletID)
}

// takeScript removes one field from the wallet hash and its order entry,
// returning the removed value.
var takeScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
  return false
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return v
`)

// RedisDeferredQueue parks deliveries in Redis: a hash per wallet holds the
// messages and a sorted set orders them by park time.
type RedisDeferredQueue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisDeferredQueue builds a deferred queue over client.
func NewRedisDeferredQueue(client *redis.Client) *RedisDeferredQueue {
	return &RedisDeferredQueue{
		client: client,
		prefix: "deferred:wallet:",
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (q *RedisDeferredQueue) keys(walletID string) (hash, order string) {
	return q.prefix + walletID, q.prefix + walletID + ":order"
}

func (q *RedisDeferredQueue) Park(ctx context.Context, walletID, txID string, msg broker.Message) error {
	at := q.now()
	blob, err := encodeParked(msg, at)
	if err != nil {
		return err
	}
	hash, order := q.keys(walletID)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hash, txID, blob)
		pipe.ZAddNX(ctx, order, redis.Z{Score: float64(at.UnixNano()), Member: txID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("park %s: %w", txID, err)
	}
	return nil
}

func (q *RedisDeferredQueue) Take(ctx context.Context, walletID, txID string) (broker.Message, bool, error) {
	p, ok, err := q.take(ctx, walletID, txID)
	return p.Message, ok, err
}

func (q *RedisDeferredQueue) take(ctx context.Context, walletID, txID string) (Parked, bool, error) {
	hash, order := q.keys(walletID)
	raw, err := takeScript.Run(ctx, q.client, []string{hash, order}, txID).Text()
	if errors.Is(err, redis.Nil) {
		return Parked{}, false, nil
	}
	if err != nil {
		return Parked{}, false, fmt.Errorf("take %s: %w", txID, err)
	}
	p, err := decodeParked(txID, []byte(raw))
	if err != nil {
		return Parked{}, false, err
	}
	return p, true, nil
}

func (q *RedisDeferredQueue) Next(ctx context.Context, walletID string) (Parked, bool, error) {
	_, order := q.keys(walletID)
	for attempt := 0; attempt < 3; attempt++ {
		ids, err := q.client.ZRange(ctx, order, 0, 0).Result()
		if err != nil {
			return Parked{}, false, fmt.Errorf("next parked for wallet %s: %w", walletID, err)
		}
		if len(ids) == 0 {
			return Parked{}, false, nil
		}
		p, ok, err := q.take(ctx, walletID, ids[0])
		if err != nil || ok {
			return p, ok, err
		}
		// Order entry without a message; drop it and look again.
		q.client.ZRem(ctx, order, ids[0])
	}
	return Parked{}, false, nil
}

func (q *RedisDeferredQueue) Len(ctx context.Context, walletID string) (int, error) {
	hash, _ := q.keys(walletID)
	n, err := q.client.HLen(ctx, hash).Result()
	return int(n), err
}
