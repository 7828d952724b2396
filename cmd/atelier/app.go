package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/atelier/internal/challenge"
	"github.com/and161185/atelier/internal/config"
	"github.com/and161185/atelier/internal/crypto/sealer"
	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/exchange"
	"github.com/and161185/atelier/internal/identity"
	"github.com/and161185/atelier/internal/limiter"
	"github.com/and161185/atelier/internal/migrate"
	"github.com/and161185/atelier/internal/repository"
	"github.com/and161185/atelier/internal/repository/filestore"
	"github.com/and161185/atelier/internal/repository/postgres"
	"github.com/and161185/atelier/internal/repository/redisstore"
	"github.com/and161185/atelier/internal/service"
	"github.com/and161185/atelier/internal/telemetry"
	"github.com/and161185/atelier/internal/transport"
)

const saltFile = "store.salt"

// captchaEnv holds a pre-solved challenge token, e.g. for provider test numbers.
const captchaEnv = "ATELIER_CAPTCHA_TOKEN"

type app struct {
	cfg     config.Config
	log     *zap.Logger
	tel     *telemetry.Provider
	store   repository.Store
	api     *transport.Client
	session *service.Session
	cart    *service.Cart
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	tel, err := telemetry.New(ctx, telemetry.Options{
		Endpoint:    cfg.TelemetryEndpoint,
		Insecure:    cfg.TelemetryInsecure,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	}, log)
	if err != nil {
		return nil, err
	}

	store, rdb, err := openStore(ctx, cfg, log)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	// identity and exchange calls must not go through the refresh-retry chain
	plain := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport.NewLogging(nil, log.Named("http"), tel.Tracer()),
	}
	provider := identity.NewToolkit(identity.ToolkitConfig{
		BaseURL:    cfg.IdentityURL,
		TokenURL:   cfg.TokenURL,
		APIKey:     cfg.APIKey,
		HTTPClient: plain,
		Store:      store,
		Logger:     log.Named("identity"),
	})

	var lim limiter.Limiter
	if rdb != nil {
		lim = limiter.NewRedis(rdb, cfg.RedisPrefix, cfg.OTPCooldown)
	}

	a := &app{cfg: cfg, log: log, tel: tel, store: store}
	a.api = transport.NewClient(transport.Options{
		BaseURL:   cfg.APIURL,
		Timeout:   cfg.RequestTimeout,
		Tokens:    func(ctx context.Context, force bool) (string, error) { return a.session.IdentityToken(ctx, force) },
		OnExpired: func(ctx context.Context) { a.session.ExpireSession(ctx) },
		Log:       log.Named("api"),
	})
	a.session = service.New(service.Config{
		Provider:   provider,
		Exchanger:  exchange.New(cfg.APIURL, plain, log.Named("exchange")),
		Backend:    a.api,
		Challenges: challenge.NewController(&challenge.TimedFactory{Solver: captchaSolver()}, log.Named("challenge")),
		Store:      store,
		Limiter:    lim,
		Cooldown:   cfg.OTPCooldown,
		Log:        log.Named("session"),
		OnSignedOut: func(reason errs.Kind) {
			if reason != errs.None {
				log.Warn("signed out", zap.Stringer("reason", reason))
			}
		},
	})
	a.cart = service.NewCart(a.api, log.Named("cart"))

	if _, err := a.session.Rehydrate(ctx); err != nil {
		log.Warn("rehydrate failed", zap.Error(err))
	}
	return a, nil
}

func (a *app) close() {
	a.cart.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.log.Warn("telemetry shutdown", zap.Error(err))
	}
}

// openStore returns the configured repository. The redis client is returned as well so
// the OTP cooldown can be shared through it.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (repository.Store, *redis.Client, error) {
	dir := cfg.StoreDir
	if dir == "" {
		dir = filestore.DefaultDir()
	}
	seal, err := openSealer(dir, cfg.StorePassphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("store key: %w", err)
	}

	switch cfg.Store {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return redisstore.New(rdb, cfg.RedisPrefix+":"+cfg.DeviceID, seal), rdb, nil

	case config.StorePostgres:
		applied, err := migrate.Up(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("migrate up: %w", err)
		}
		if applied > 0 {
			log.Info("session schema migrated", zap.Int("applied", applied))
		}
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.NewSessionRepo(db, cfg.DeviceID, seal), nil, nil

	default:
		s, err := filestore.New(dir, seal, log.Named("store"))
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
}

// openSealer derives the key from the passphrase when one is set, otherwise it uses a
// random device key kept next to the session files.
func openSealer(dir, passphrase string) (*sealer.Sealer, error) {
	if passphrase == "" {
		return sealer.LoadOrCreateKey(filepath.Join(dir, filestore.KeyFile))
	}
	salt, err := loadOrCreateSalt(filepath.Join(dir, saltFile))
	if err != nil {
		return nil, err
	}
	return sealer.FromPassphrase([]byte(passphrase), salt)
}

func loadOrCreateSalt(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != sealer.SaltLen {
			return nil, fmt.Errorf("%s: bad salt length %d", path, len(b))
		}
		return b, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	salt, err := sealer.Rand(sealer.SaltLen)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

// captchaSolver answers the bot challenge with the token from the environment. Without
// one, phone sign-in fails with ChallengeFailed.
func captchaSolver() challenge.Solver {
	tok := os.Getenv(captchaEnv)
	return func(context.Context, string) (string, error) {
		if tok == "" {
			return "", fmt.Errorf("%s is not set", captchaEnv)
		}
		return tok, nil
	}
}
