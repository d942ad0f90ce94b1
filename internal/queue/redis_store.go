package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisTransferPrefix = "devdrop:transfer:"
	redisPendingPrefix  = "devdrop:pending:"
)

// RedisStore keeps transfer records as JSON values keyed by transfer id plus a
// per-recipient set of pending ids.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
	cancel func()
}

func NewRedisStore(host, port, username, password string) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     host + ":" + port,
		Username: username,
		Password: password,
		DB:       0,
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithCancel(context.Background())

	store := &RedisStore{
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := store.client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, err
	}

	return store, nil
}

func (st *RedisStore) SaveTransfer(rec TransferRecord) error {
	if rec.TransferID == "" {
		return fmt.Errorf("transfer_id is required")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if err := validateStatus(rec.Status); err != nil {
		return err
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transfer %q: %w", rec.TransferID, err)
	}

	pipe := st.client.TxPipeline()
	pipe.Set(st.ctx, redisTransferPrefix+rec.TransferID, data, 0)
	if rec.Status == StatusPending {
		pipe.SAdd(st.ctx, redisPendingPrefix+rec.RecipientID, rec.TransferID)
	}
	if _, err := pipe.Exec(st.ctx); err != nil {
		return fmt.Errorf("save transfer %q to redis: %w", rec.TransferID, err)
	}
	return nil
}

func (st *RedisStore) PendingFor(recipientID string) ([]TransferRecord, error) {
	ids, err := st.client.SMembers(st.ctx, redisPendingPrefix+recipientID).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending set for %q: %w", recipientID, err)
	}

	records := make([]TransferRecord, 0, len(ids))
	for _, id := range ids {
		data, err := st.client.Get(st.ctx, redisTransferPrefix+id).Result()
		if err == redis.Nil {
			// Orphaned set member; drop it and move on.
			st.client.SRem(st.ctx, redisPendingPrefix+recipientID, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read transfer %q: %w", id, err)
		}

		var rec TransferRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal transfer %q: %w", id, err)
		}
		if rec.Status == StatusPending {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (st *RedisStore) MarkDelivered(transferID string) error {
	if transferID == "" {
		return fmt.Errorf("transfer_id is required")
	}

	data, err := st.client.Get(st.ctx, redisTransferPrefix+transferID).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read transfer %q: %w", transferID, err)
	}

	var rec TransferRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return fmt.Errorf("unmarshal transfer %q: %w", transferID, err)
	}
	rec.Status = StatusDelivered

	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transfer %q: %w", transferID, err)
	}

	pipe := st.client.TxPipeline()
	pipe.Set(st.ctx, redisTransferPrefix+transferID, updated, 0)
	pipe.SRem(st.ctx, redisPendingPrefix+rec.RecipientID, transferID)
	if _, err := pipe.Exec(st.ctx); err != nil {
		return fmt.Errorf("mark transfer delivered %q: %w", transferID, err)
	}
	return nil
}

func (st *RedisStore) Close() error {
	st.cancel()
	return st.client.Close()
}
