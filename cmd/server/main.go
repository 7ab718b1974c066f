// Package main runs the gateway: an OpenAI- and Anthropic-compatible chat
// API backed by a pool of Amazon Q and Kiro accounts.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/router-for-me/QProxyAPI/internal/account"
	"github.com/router-for-me/QProxyAPI/internal/api"
	"github.com/router-for-me/QProxyAPI/internal/api/handlers"
	"github.com/router-for-me/QProxyAPI/internal/authflow"
	"github.com/router-for-me/QProxyAPI/internal/config"
	"github.com/router-for-me/QProxyAPI/internal/dedupe"
	"github.com/router-for-me/QProxyAPI/internal/dispatch"
	"github.com/router-for-me/QProxyAPI/internal/keymanager"
	"github.com/router-for-me/QProxyAPI/internal/lockfile"
	"github.com/router-for-me/QProxyAPI/internal/logging"
	"github.com/router-for-me/QProxyAPI/internal/oidc"
	"github.com/router-for-me/QProxyAPI/internal/quota"
	"github.com/router-for-me/QProxyAPI/internal/session"
	"github.com/router-for-me/QProxyAPI/internal/store"
	"github.com/router-for-me/QProxyAPI/internal/util"
)

const cleanupInterval = time.Hour

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}
	logging.Setup(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays)
	cfgStore := config.NewStore(*configPath, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, store.Config{
		URL:            cfg.Database.URL,
		Timeout:        time.Duration(cfg.Database.TimeoutSeconds) * time.Second,
		SQLiteMaxConns: cfg.Database.SQLiteMaxConnections,
		SQLitePath:     cfg.Database.SQLitePath,
	})
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer func() { _ = db.Close() }()

	masterKey, err := keymanager.LoadMasterKey(cfg.Security.MasterKey, cfg.Security.MasterKeyPath)
	if err != nil {
		log.WithError(err).Fatal("resolve master key")
	}
	keys := keymanager.NewManager(db, keymanager.Options{
		MasterKey: masterKey,
		Auditor:   keymanager.NewAuditor(db),
	})
	if n, err := keys.LoadFromDB(ctx); err != nil {
		log.WithError(err).Warn("load API keys")
	} else {
		log.Infof("loaded %d API keys", n)
	}

	httpClient := util.SharedClient(cfg.ProxyURL)

	oidcClient := oidc.NewClient(httpClient, oidc.Config{
		BaseURL:              cfg.OIDC.BaseURL,
		StartURL:             cfg.OIDC.StartURL,
		KiroTokenURLTemplate: cfg.Kiro.TokenURLTemplate,
		KiroDefaultRegion:    cfg.Kiro.DefaultRegion,
		KiroUserAgent:        cfg.Kiro.UserAgent,
	})

	locks, err := lockfile.NewManager(cfg.Lock.Dir,
		time.Duration(cfg.Lock.TimeoutSeconds)*time.Second,
		time.Duration(cfg.Lock.StaleTimeoutSeconds)*time.Second)
	if err != nil {
		log.WithError(err).Fatal("prepare lock directory")
	}

	accounts := account.NewStore(db, cfg.Accounts.MaxErrorCount, cfg.Accounts.AutoDisableIncomplete)
	quotas := quota.NewService(db)
	accounts.SetQuotaRecorder(quotas)
	sessions := session.NewService(db)
	refresher := account.NewRefresher(accounts, oidcClient, locks)

	dispatcher := dispatch.New(
		accounts,
		refresher,
		dispatch.NewSelector(accounts, quotas, sessions),
		dispatch.NewClient(httpClient, cfg.AmazonQ),
		cfg.Tokens.CountMultiplier,
	)

	deps := &handlers.Deps{
		Cfg:        cfgStore,
		Accounts:   accounts,
		Refresher:  refresher,
		Quota:      quotas,
		Keys:       keys,
		Auth:       authflow.NewManager(db, oidcClient, accounts, cfg.MaxAuthSessions),
		Dispatcher: dispatcher,
		Dedupe: dedupe.New(dedupe.Options{
			Window:      time.Duration(cfg.Dedupe.WindowMS) * time.Millisecond,
			MaxKeys:     cfg.Dedupe.MaxKeys,
			IgnoreModel: cfg.Dedupe.IgnoreModel,
		}),
	}
	server := api.New(deps)

	if err := cfgStore.Watch(ctx.Done()); err != nil {
		log.WithError(err).Warn("config watch unavailable")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Run)
	g.Go(func() error {
		refresher.Loop(gctx)
		return nil
	})
	g.Go(func() error {
		deps.Auth.CleanupLoop(gctx)
		return nil
	})
	g.Go(func() error {
		runCleanup(gctx, db, sessions, keys)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
	log.Info("shutdown complete")
}

// runCleanup periodically sweeps stale database rows and expires cached
// API keys.
func runCleanup(ctx context.Context, db *store.DB, sessions *session.Service, keys *keymanager.Manager) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := sessions.CleanupExpired(ctx); err != nil {
				log.WithError(err).Warn("session cleanup failed")
			} else if n > 0 {
				log.Infof("expired %d stale sessions", n)
			}
			if _, err := db.CleanupExpired(ctx); err != nil {
				log.WithError(err).Warn("database cleanup failed")
			}
			if n := keys.CleanupExpired(); n > 0 {
				log.Infof("expired %d API keys", n)
			}
		}
	}
}
