package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const activeReservationsKey = "reservations:active"

// RedisReservationStore keeps reservations as JSON documents that expire after
// retention, with a set indexing the ones still in flight.
type RedisReservationStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisReservationStore(client *redis.Client, retention time.Duration) *RedisReservationStore {
	return &RedisReservationStore{client: client, retention: retention}
}

func reservationKey(id uuid.UUID) string { return "reservation:" + id.String() }
func reservationIndexKey(key string) string {
	return "reservation:key:" + key
}

func (s *RedisReservationStore) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	raw, err := s.client.Get(ctx, reservationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	var r Reservation
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode reservation: %w", err)
	}
	return &r, nil
}

func (s *RedisReservationStore) FindByKey(ctx context.Context, key string) (*Reservation, error) {
	raw, err := s.client.Get(ctx, reservationIndexKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find reservation by key: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse reservation id: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisReservationStore) Save(ctx context.Context, r Reservation) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reservation: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, reservationKey(r.ID), data, s.retention)
	if r.IdempotencyKey != "" {
		pipe.Set(ctx, reservationIndexKey(r.IdempotencyKey), r.ID.String(), s.retention)
	}
	if r.State.Terminal() {
		pipe.SRem(ctx, activeReservationsKey, r.ID.String())
	} else {
		pipe.SAdd(ctx, activeReservationsKey, r.ID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save reservation: %w", err)
	}
	return nil
}

func (s *RedisReservationStore) ListActive(ctx context.Context) ([]Reservation, error) {
	ids, err := s.client.SMembers(ctx, activeReservationsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active reservations: %w", err)
	}

	var out []Reservation
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.client.SRem(ctx, activeReservationsKey, raw)
			continue
		}
		r, err := s.Get(ctx, id)
		if errors.Is(err, ErrReservationNotFound) {
			// document expired, drop the dangling index entry
			s.client.SRem(ctx, activeReservationsKey, raw)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !r.State.Terminal() {
			out = append(out, *r)
		}
	}
	return out, nil
}
