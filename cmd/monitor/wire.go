package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/config"
	"github.com/hamed0406/uptimewatch/internal/httpapi"
	"github.com/hamed0406/uptimewatch/internal/lease"
	"github.com/hamed0406/uptimewatch/internal/notify"
	"github.com/hamed0406/uptimewatch/internal/repo"
	"github.com/hamed0406/uptimewatch/internal/repo/memory"
	"github.com/hamed0406/uptimewatch/internal/repo/postgres"
	"github.com/hamed0406/uptimewatch/internal/repo/targetfile"
)

type stores struct {
	targets repo.TargetStore
	sink    repo.MeasurementSink
	alerts  repo.AlertStore
	owners  repo.OwnerDirectory
	checks  []httpapi.Check
	watch   func(ctx context.Context) error
	close   []func() error
}

// openStores picks Postgres when DATABASE_URL is set and in-memory stores
// otherwise. A target file, when configured, replaces the target list and
// owner contacts of either; with Postgres every loaded snapshot is first
// upserted into the targets and users tables.
func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stores, error) {
	st := &stores{}
	var mirror repo.TargetMirror

	if cfg.Database.URL != "" {
		pg, err := postgres.New(ctx, cfg.Database.URL, postgres.Options{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, err
		}
		st.close = append(st.close, func() error { pg.Close(); return nil })
		if cfg.Database.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		st.targets, st.sink, st.alerts, st.owners = pg, pg, pg, pg
		mirror = pg
		st.checks = append(st.checks, httpapi.Check{Name: "postgres", Fn: pg.Ping})
	} else {
		mem := memory.New()
		st.targets, st.sink, st.alerts, st.owners = mem, mem, mem, mem
		logger.Warn("using_memory_store", zap.String("reason", "DATABASE_URL not set"))
	}

	if cfg.Targets.File != "" {
		src, err := targetfile.Open(cfg.Targets.File, logger)
		if err == nil && mirror != nil {
			// measurements and alerts reference targets by id
			err = src.MirrorTo(ctx, mirror)
		}
		if err != nil {
			for _, c := range st.close {
				_ = c()
			}
			return nil, fmt.Errorf("open targets file: %w", err)
		}
		st.targets, st.owners = src, src
		if cfg.Targets.Watch {
			st.watch = src.Watch
		}
		logger.Info("targets_from_file", zap.String("path", cfg.Targets.File))
	} else if cfg.Database.URL == "" {
		logger.Warn("no_targets_configured", zap.String("hint", "set TARGETS_FILE or DATABASE_URL"))
	}
	return st, nil
}

// buildTransport fans out to every configured channel. With none
// configured notifications only reach the log.
func buildTransport(ctx context.Context, cfg config.Config, logger *zap.Logger) (notify.Transport, []func() error, error) {
	var (
		multi   notify.Multi
		closers []func() error
	)
	if cfg.Notify.SlackWebhook != "" {
		multi = append(multi, notify.NewSlack(cfg.Notify.SlackWebhook))
	}
	if cfg.Notify.RelayURL != "" {
		multi = append(multi, notify.NewRelay(cfg.Notify.RelayURL, cfg.Notify.RelaySecret))
	}
	if cfg.AMQP.URL != "" {
		acfg := notify.AMQPConfig{
			URL:          cfg.AMQP.URL,
			Exchange:     cfg.AMQP.Exchange,
			ExchangeType: cfg.AMQP.ExchangeType,
			Queue:        cfg.AMQP.Queue,
			RoutingKey:   cfg.AMQP.RoutingKey,
		}
		conn, err := notify.DialAMQP(ctx, acfg.URL, 5, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := notify.SetupTopology(conn, acfg); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("amqp topology: %w", err)
		}
		pub, err := notify.NewAMQP(conn, acfg)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("amqp publisher: %w", err)
		}
		multi = append(multi, pub)
		closers = append(closers, conn.Close, pub.Close)
	}

	if len(multi) == 0 {
		logger.Warn("no_notification_transport", zap.String("fallback", "log"))
		return notify.Log{Logger: logger}, closers, nil
	}
	logger.Info("notification_transports", zap.Int("count", len(multi)))
	return multi, closers, nil
}

func buildLease(ctx context.Context, cfg config.Config, logger *zap.Logger) (lease.Lease, []func() error, error) {
	if cfg.Redis.URL == "" {
		return lease.Local{}, nil, nil
	}
	r, err := lease.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.LeaseKey, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("cycle_lease_redis", zap.String("key", cfg.Redis.LeaseKey))
	return r, []func() error{r.Close}, nil
}
