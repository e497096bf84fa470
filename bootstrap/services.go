package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"vigilant/config"
	"vigilant/core"
	"vigilant/lease"
	"vigilant/notify"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const redisConnectTimeout = 30 * time.Second

// InitLocker builds the lease backend. The Redis backend is retried with
// exponential backoff before startup gives up.
func InitLocker(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (lease.Locker, func() error, error) {
	if cfg.Lease.Backend != "redis" {
		sugar.Info("Using in-process lease backend")
		return lease.NewLocalLocker(), func() error { return nil }, nil
	}

	r := cfg.Lease.Redis
	locker := lease.NewRedisLocker(lease.RedisConfig{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		PoolSize: r.PoolSize,
	}, sugar)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 8 * time.Second
	b.MaxElapsedTime = redisConnectTimeout

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := locker.Ping(pingCtx)
		if err != nil {
			sugar.Warnw("Redis connection attempt failed", "attempt", attempt, "addr", r.Addr, "error", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		_ = locker.Close()
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: Redis Lease Backend Unavailable\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", ClassifyRedisError(err, r.Addr))
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", attempt, err)
	}

	sugar.Infow("Using Redis lease backend", "addr", r.Addr, "db", r.DB)
	return locker, locker.Close, nil
}

// InitNotifier builds the notification dispatcher, or nil when notifications
// are disabled. The SMTP password may be a credential reference.
func InitNotifier(ctx context.Context, cfg *config.Config, creds *config.CredentialResolver, sugar *zap.SugaredLogger) (*notify.Dispatcher, error) {
	n := cfg.Notify
	if !n.Enabled {
		sugar.Info("Notifications disabled by configuration")
		return nil, nil
	}

	var sinks []notify.Sink
	if n.Log.Enabled {
		sinks = append(sinks, notify.NewLogSink(sugar))
	}
	if n.Email.Enabled {
		resolveCtx, cancel := context.WithTimeout(ctx, config.ResolveTimeout)
		password, err := creds.Resolve(resolveCtx, n.Email.Password)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve SMTP password: %w", err)
		}
		email, err := notify.NewEmailSink(notify.EmailConfig{
			Host:               n.Email.Host,
			Port:               n.Email.Port,
			Username:           n.Email.Username,
			Password:           password,
			From:               n.Email.From,
			To:                 n.Email.To,
			RequireTLS:         n.Email.RequireTLS,
			InsecureSkipVerify: n.Email.InsecureSkipVerify,
			MinInterval:        n.Email.MinInterval,
		}, sugar)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, email)
	}

	return notify.NewDispatcher(notify.Config{
		ImmediateSeverity: n.Severity(),
		FlushInterval:     n.FlushInterval,
		MaxBatch:          n.MaxBatch,
		QueueSize:         n.QueueSize,
		Breaker: core.CircuitBreakerConfig{
			MaxFailures: n.CircuitBreaker.MaxFailures,
			Timeout:     n.CircuitBreaker.Timeout,
		},
	}, sugar, sinks...)
}
