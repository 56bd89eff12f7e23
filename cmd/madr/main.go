package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"madr/internal/app"
	"madr/internal/config"
	"madr/internal/server"
	"madr/internal/util"
	"madr/pkg/auth"
	"madr/pkg/mail"
	"madr/pkg/queue"
	"madr/pkg/store"
)

const mailWorkers = 2

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		util.Fatal("failed to parse session TTL", "err", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	actionTTL, err := config.ParseDuration("actionTokenTTL", cfg.ActionTokenTTL)
	if err != nil {
		util.Fatal("failed to parse action token TTL", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to open store", "err", err)
	}
	defer st.Close()

	var rdb *redis.Client
	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			util.Fatal("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
		}
		revoker = store.NewRedisTokenRevoker(rdb, max(sessionTTL, 24*time.Hour))
	} else {
		logger.Warn("redis not configured; revocations are in-memory and rate limiting is off")
	}

	jwtOpts := store.JWTOptions{Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience, Leeway: leeway}
	var sessions *store.JWTSessionStore
	if cfg.JWTPrivateKeyPath != "" {
		sessions, err = store.NewJWTRS256SessionStoreFromPEM(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, sessionTTL, revoker, jwtOpts)
	} else {
		sessions, err = store.NewJWTHS256SessionStore(cfg.JWTSecret, sessionTTL, revoker, jwtOpts)
	}
	if err != nil {
		util.Fatal("failed to init session store", "err", err)
	}
	actionTokens, err := auth.NewActionTokens(cfg.JWTSecret, actionTTL)
	if err != nil {
		util.Fatal("failed to init action tokens", "err", err)
	}

	var mailer mail.Mailer = mail.LogMailer{Logger: logger}
	if cfg.SMTPAddr != "" {
		mailer, err = mail.NewSMTPMailer(mail.SMTPConfig{
			Addr:     cfg.SMTPAddr,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
		if err != nil {
			util.Fatal("failed to init smtp mailer", "err", err)
		}
	}
	var outbox mail.Outbox = mail.InlineOutbox{Mailer: mailer}
	var mailQueue *queue.RedisJobQueue
	if rdb != nil {
		mailQueue, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client: rdb,
			Stream: cfg.MailStream,
			Group:  cfg.MailGroup,
		})
		if err != nil {
			util.Fatal("failed to init mail queue", "err", err)
		}
		outbox = mail.QueueOutbox{Queue: mailQueue}
	}

	appCore, err := app.New(app.Config{
		Store:         st,
		Sessions:      sessions,
		ActionTokens:  actionTokens,
		Outbox:        outbox,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	if cfg.FirstSuperuserEmail != "" {
		if _, err := appCore.BootstrapSuperuser(ctx, cfg.FirstSuperuserUsername, cfg.FirstSuperuserEmail, cfg.FirstSuperuserPassword); err != nil {
			util.Fatal("failed to bootstrap superuser", "err", err)
		}
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}
	srvCfg := server.Config{
		App:                      appCore,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		TrustedProxies:           trusted,
		CORSOrigins:              cfg.CORSOrigins,
		Ping:                     st.Ping,
	}
	if rdb != nil {
		srvCfg.Redis = rdb
	}
	httpServer, err := server.New(srvCfg)
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("madr server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if mailQueue != nil {
		g.Go(func() error {
			slog.Info("mail worker started", "stream", cfg.MailStream, "group", cfg.MailGroup)
			err := mail.Worker{Queue: mailQueue, Mailer: mailer, Concurrency: mailWorkers}.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("madr server stopped")
}
