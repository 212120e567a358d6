package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailcore/config"
	"mailcore/connector"
	"mailcore/dispatch"
	"mailcore/handlers/api"
	"mailcore/lease"
	"mailcore/middleware"
	"mailcore/providers/delegated"
	"mailcore/providers/direct"
	"mailcore/secret"
	"mailcore/storage"
	"mailcore/tokens"
	"mailcore/utils"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration")
	issueFor := flag.String("issue-token", "", "print a caller token for this user id and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		utils.Log.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	utils.Log.SetLevel(utils.ParseLevel(cfg.Log.Level))

	if *issueFor != "" {
		tok, err := middleware.IssueToken(cfg.JWT.Secret, cfg.JWT.Issuer, *issueFor, 24*time.Hour)
		if err != nil {
			utils.Log.Error("Failed to sign token: %v", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	if err := utils.InitI18n(); err != nil {
		utils.Log.Error("Failed to initialize i18n: %v", err)
	}

	codec := openCodec(cfg)

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		utils.Log.Error("Failed to open %s storage: %v", cfg.Storage.Driver, err)
		os.Exit(1)
	}
	defer store.Close()

	var locker lease.Locker = lease.NewMemoryLocker()
	if cfg.Redis.URL != "" {
		redisLocker, err := lease.NewRedisLocker(cfg.Redis.URL, time.Duration(cfg.Redis.LeaseTTL)*time.Second)
		if err != nil {
			utils.Log.Error("Failed to connect to Redis: %v", err)
			os.Exit(1)
		}
		defer redisLocker.Close()
		locker = redisLocker
	}

	directProvider := direct.NewProvider()

	// The delegated collaborators stay nil interfaces when Google is not
	// configured; the connector and dispatcher report that per request.
	var (
		oauthProvider connector.OAuthProvider
		apiSender     dispatch.APISender
		tokenSource   dispatch.TokenSource
	)
	if cfg.GoogleEnabled() {
		google := delegated.NewGoogle(cfg.OAuth.Google)
		oauthProvider, apiSender = google, google
		tokenSource = tokens.NewManager(store, codec, google, tokens.Options{
			Skew:           cfg.Skew(),
			RefreshTimeout: cfg.Timeouts.Refresh(),
			Locker:         locker,
		})
	} else {
		utils.Log.Warn("Google OAuth is not configured, delegated accounts are disabled")
	}

	conn := connector.New(store, codec, directProvider, oauthProvider)
	conn.ValidateTimeout = cfg.Timeouts.Validate()
	conn.ExchangeTimeout = cfg.Timeouts.Refresh()

	dispatcher := dispatch.New(store, codec, directProvider, apiSender, tokenSource)
	dispatcher.SendTimeout = cfg.Timeouts.Send()

	app := api.NewRouter(api.RouterConfig{
		Accounts:     api.NewAccountHandler(conn, store),
		OAuth:        api.NewOAuthHandler(conn),
		Send:         api.NewSendHandler(dispatcher),
		JWTSecret:    cfg.JWT.Secret,
		JWTIssuer:    cfg.JWT.Issuer,
		RateRequests: cfg.RateLimit.Requests,
		RatePeriod:   time.Duration(cfg.RateLimit.PeriodSeconds) * time.Second,
		BodyLimit:    cfg.Server.BodyLimitKiB * 1024,
		AccessLog:    utils.ParseLevel(cfg.Log.Level) <= utils.DEBUG,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		utils.Log.Info("Shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			utils.Log.Error("Shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if cfg.SSL.Enabled {
		utils.Log.Info("Starting HTTPS server on port %d...", cfg.Server.Port)
		err = app.ListenTLS(addr, cfg.SSL.CertFile, cfg.SSL.KeyFile)
	} else {
		utils.Log.Info("Starting server on port %d...", cfg.Server.Port)
		err = app.Listen(addr)
	}
	if err != nil {
		utils.Log.Error("Error starting server: %v", err)
	}
}

// openCodec never fails startup: without a usable key the mail features
// answer with a configuration error while the rest of the service runs.
func openCodec(cfg *config.Config) *secret.Codec {
	key, err := secret.LoadKey(cfg.Encryption)
	if err == nil {
		var codec *secret.Codec
		if codec, err = secret.NewCodec(key); err == nil {
			return codec
		}
	}
	utils.Log.Error("Credential encryption is unavailable: %v", err)
	return secret.Disabled(err)
}
