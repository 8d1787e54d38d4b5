package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/clock"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/orchestrator"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote/httpremote"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote/pgremote"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/statefile"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/tables"
	"go.uber.org/zap"
)

const redisKeyPrefix = "gravity:"

// resources holds the opened resources of one command and releases them in
// reverse order.
type resources struct {
	closers []func()
}

func (r *resources) onClose(closer func()) {
	r.closers = append(r.closers, closer)
}

func (r *resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func openLocalStore(ctx context.Context, res *resources, appConfig config.AppConfig, logger *zap.Logger) (localstore.Store, error) {
	switch appConfig.LocalBackend {
	case config.LocalBackendRedis:
		client, err := localstore.OpenRedis(ctx, appConfig.RedisURL)
		if err != nil {
			return nil, err
		}
		res.onClose(func() { _ = client.Close() })
		return localstore.NewRedisStore(client, redisKeyPrefix)
	default:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		res.onClose(func() { _ = sqlDB.Close() })
		return localstore.NewSQLStore(db, time.Now)
	}
}

func openRemote(ctx context.Context, res *resources, appConfig config.AppConfig, logger *zap.Logger) (remote.Store, error) {
	switch appConfig.RemoteKind {
	case config.RemoteKindPostgres:
		pool, err := pgremote.Open(ctx, appConfig.RemoteDatabaseURL)
		if err != nil {
			return nil, err
		}
		res.onClose(pool.Close)
		store, err := pgremote.New(pgremote.Config{Pool: pool, Logger: logger.Named("pgremote")})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return remote.WithTimeout(store, appConfig.RemoteTimeout), nil
	case config.RemoteKindHTTP:
		client, err := httpremote.New(httpremote.Config{
			BaseURL: appConfig.RemoteURL,
			Tokens:  auth.CheckExpiry(auth.StaticToken(appConfig.RemoteToken), time.Now),
			Logger:  logger.Named("httpremote"),
		})
		if err != nil {
			return nil, err
		}
		return remote.WithTimeout(client, appConfig.RemoteTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported remote kind %q", appConfig.RemoteKind)
	}
}

// probeOnce returns the initial connectivity, applying the same rule as the
// background prober.
func probeOnce(ctx context.Context, store remote.Store) bool {
	pinger, ok := store.(remote.Pinger)
	if !ok {
		return true
	}
	err := pinger.Ping(ctx)
	return err == nil || !remote.IsConnectivity(err)
}

type engineSetup struct {
	engine  *orchestrator.Engine[statefile.State]
	state   *statefile.File
	remote  remote.Store
	monitor *connectivity.Monitor
}

func buildEngine(ctx context.Context, res *resources, appConfig config.AppConfig, realtime bool, logger *zap.Logger) (*engineSetup, error) {
	local, err := openLocalStore(ctx, res, appConfig, logger)
	if err != nil {
		return nil, err
	}
	store, err := openRemote(ctx, res, appConfig, logger)
	if err != nil {
		return nil, err
	}
	state, err := statefile.Open(statefile.Config{
		Path:    appConfig.StatePath,
		Version: appConfig.AppVersion,
		Logger:  logger.Named("statefile"),
	})
	if err != nil {
		return nil, err
	}

	monitor := connectivity.NewMonitor(probeOnce(ctx, store), logger.Named("connectivity"))
	engine, err := orchestrator.New(orchestrator.Config[statefile.State]{
		UserID:        appConfig.UserID,
		AppKey:        appConfig.AppKey,
		Local:         state,
		Tasks:         tables.SourceFunc[tables.TaskRow](state.Tasks),
		Notes:         tables.SourceFunc[tables.NoteRow](state.Notes),
		Remote:        store,
		LocalStore:    local,
		Connectivity:  monitor,
		Clock:         clock.Real(),
		DebounceDelay: appConfig.Debounce,
		EchoWindow:    appConfig.EchoWindow,
		BatchSize:     appConfig.BatchSize,
		FlushMaxOps:   appConfig.FlushMaxOps,
		Realtime:      realtime && appConfig.Realtime,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	res.onClose(engine.Close)

	return &engineSetup{engine: engine, state: state, remote: store, monitor: monitor}, nil
}
