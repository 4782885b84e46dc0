package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/booking"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/db"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/records"
	redisclient "github.com/hackgods/telehealth-scheduling/internal/redis"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

// reservationRetention is how long a finished reservation stays readable in Redis.
const reservationRetention = 24 * time.Hour

// Runtime holds the storage backends selected from config. Postgres and Redis
// are optional; without them the in-process stores are used.
type Runtime struct {
	Pool  *pgxpool.Pool
	Redis *redis.Client

	Slots        availability.Repository
	Templates    schedule.TemplateRepository
	Records      records.Store
	Reservations booking.ReservationStore
	Locker       redisclient.Locker
	Marker       redisclient.Marker

	log *zap.Logger
}

// BuildRuntime connects to the configured backends. The caller must Close the result.
func BuildRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{log: logging.OrNop(logger)}

	if strings.TrimSpace(cfg.PostgresDSN) != "" {
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
			MaxConns:        int32(cfg.PostgresMaxConns),
			ApplicationName: "telehealth-" + cfg.Env,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: postgres: %w", err)
		}
		rt.Pool = pool
		rt.Slots = availability.NewPgRepository(pool, cfg.HoldTTL)
		rt.Templates = schedule.NewPgTemplateRepository(pool)
		rt.Records = records.NewPgStore(pool)
		rt.log.Info("connected to postgres")
	} else {
		rt.Slots = availability.NewMemoryRepository(cfg.HoldTTL)
		rt.Templates = schedule.NewMemoryTemplateRepository()
		rt.Records = records.NewMemoryStore()
		rt.log.Warn("POSTGRES_DSN not set; using in-memory stores")
	}

	if strings.TrimSpace(cfg.RedisAddr) != "" {
		rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			PoolSize: cfg.RedisPoolSize,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("bootstrap: redis: %w", err)
		}
		rt.Redis = rdb
		rt.Locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		rt.Marker = redisclient.NewRedisMarker(rdb, "payments:")
		rt.Reservations = booking.NewRedisReservationStore(rdb, reservationRetention)
		rt.log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	} else {
		rt.Locker = redisclient.NewMemoryLocker()
		rt.Marker = redisclient.NewMemoryMarker()
		rt.Reservations = booking.NewMemoryReservationStore()
		rt.log.Warn("redis not configured; using in-process locks")
	}

	return rt, nil
}

// Close releases the backend connections.
func (rt *Runtime) Close() {
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.log.Warn("error closing redis", zap.Error(err))
		}
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}

// Shared reports whether state is visible to other processes, which is what a
// separate expiry worker needs.
func (rt *Runtime) Shared() bool {
	return rt.Pool != nil
}
