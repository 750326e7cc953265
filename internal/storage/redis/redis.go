// redis - хранилище сессии в Redis.
//
// Сессия лежит в hash <prefix>session (поля accessToken/refreshToken/user).
// Каждая запись/удаление выполняется в MULTI/EXEC вместе с PUBLISH в канал
// <prefix>changes, поэтому подписчики видят изменения ровно тогда, когда
// они стали видимы для чтения.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/pribylovaa/authsession/internal/storage"
)

type Store struct {
	rdb     *redis.Client
	key     string
	channel string
	log     *slog.Logger
}

// New создаёт клиент Redis из URL (например, redis://:pass@host:6379/0).
// Если prefix пустой - используется "authsession:".
func New(ctx context.Context, redisURL, prefix string, log *slog.Logger) (*Store, error) {
	const op = "storage.redis.New"

	if prefix == "" {
		prefix = "authsession:"
	}
	if log == nil {
		log = slog.Default()
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rdb := redis.NewClient(opt)

	// Fail-fast на старте.
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return &Store{
		rdb:     rdb,
		key:     prefix + "session",
		channel: prefix + "changes",
		log:     log,
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, s.key, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}

	return v, true, nil
}

// GetMany читает поля одним HMGET.
func (s *Store) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	const op = "storage.redis.GetMany"

	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	vals, err := s.rdb.HMGet(ctx, s.key, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[keys[i]] = str
		}
	}

	return out, nil
}

func (s *Store) SetMany(ctx context.Context, kv map[string]string) error {
	const op = "storage.redis.SetMany"

	if len(kv) == 0 {
		return nil
	}

	values, payload, err := s.prepareSet(kv)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key, values)
	pipe.Publish(ctx, s.channel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// casAttempts - сколько раз повторяем транзакцию, прерванную чужой записью в hash.
const casAttempts = 5

// CompareAndSetMany - WATCH на hash сессии, проверка поля и MULTI/EXEC с PUBLISH.
func (s *Store) CompareAndSetMany(ctx context.Context, key, expected string, kv map[string]string) (bool, error) {
	const op = "storage.redis.CompareAndSetMany"

	values, payload, err := s.prepareSet(kv)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		swapped := false

		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.HGet(ctx, s.key, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if cur != expected {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, s.key, values)
				pipe.Publish(ctx, s.channel, payload)
				return nil
			})
			if err != nil {
				return err
			}

			swapped = true
			return nil
		}, s.key)

		if errors.Is(err, redis.TxFailedErr) {
			// hash изменился между WATCH и EXEC - перечитываем.
			continue
		}
		if err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}

		return swapped, nil
	}

	return false, fmt.Errorf("%s: %w", op, redis.TxFailedErr)
}

func (s *Store) prepareSet(kv map[string]string) (map[string]interface{}, []byte, error) {
	values := make(map[string]interface{}, len(kv))
	changes := make([]storage.Change, 0, len(kv))
	for k, v := range kv {
		values[k] = v
		changes = append(changes, storage.Change{Key: k, Value: v})
	}

	payload, err := json.Marshal(changes)
	if err != nil {
		return nil, nil, err
	}

	return values, payload, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	const op = "storage.redis.Delete"

	if len(keys) == 0 {
		return nil
	}

	changes := make([]storage.Change, 0, len(keys))
	for _, k := range keys {
		changes = append(changes, storage.Change{Key: k, Deleted: true})
	}

	payload, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, s.key, keys...)
	pipe.Publish(ctx, s.channel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Watch подписывается на канал изменений. Канал результата закрывается по отмене ctx.
func (s *Store) Watch(ctx context.Context) (<-chan storage.Change, error) {
	const op = "storage.redis.Watch"

	sub := s.rdb.Subscribe(ctx, s.channel)

	// Дожидаемся подтверждения подписки, иначе ранние PUBLISH потеряются.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := make(chan storage.Change, 16)
	msgs := sub.Channel()

	go func() {
		defer close(out)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var changes []storage.Change
				if err := json.Unmarshal([]byte(msg.Payload), &changes); err != nil {
					s.log.Warn("session_change_decode_failed",
						slog.String("op", op),
						slog.String("err", err.Error()),
					)
					continue
				}

				for _, c := range changes {
					select {
					case out <- c:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

func (s *Store) Close() error { return s.rdb.Close() }
