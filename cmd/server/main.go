package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	apiMiddleware "Strata/internal/api/middleware"
	"Strata/internal/api/routes"
	"Strata/internal/config"
	"Strata/internal/core/accesses"
	"Strata/internal/core/events"
	"Strata/internal/core/previews"
	"Strata/internal/core/register"
	"Strata/internal/core/registration"
	"Strata/internal/core/sessions"
	"Strata/internal/core/systemstreams"
	"Strata/internal/core/users"
	"Strata/internal/db/sqlite"
	"Strata/internal/notify"
)

func main() {
	configPath := flag.String("config", os.Getenv("STRATA_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		var missing *config.MissingRequiredError
		if errors.As(err, &missing) {
			log.Error().Str("field", missing.Field).Msg("missing required configuration")
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = configureLogger(cfg.Log)

	cat, err := systemstreams.Build(cfg.SystemStreams)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid system streams configuration")
	}

	idx, err := sqlite.OpenIndexDB(cfg.Storage.IndexPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open index database")
	}
	defer idx.Close()

	pool, err := sqlite.NewPool(cfg.Storage.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open user store pool")
	}
	defer pool.Close()

	eventRepo := sqlite.NewEventRepository(pool)
	accessRepo := sqlite.NewAccessRepository(pool)
	streamRepo := sqlite.NewStreamRepository(pool)
	passwordRepo := sqlite.NewPasswordRepository(idx)
	sessionRepo := sqlite.NewSessionRepository(idx)
	index, err := sqlite.NewUserIndexRepository(idx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build user index")
	}

	var registry register.Registry
	if cfg.DNSLess {
		registry = register.NewLocal(sqlite.NewPlatformRepository(idx))
		log.Info().Msg("running DNS-less: uniqueness enforced locally")
	} else {
		registry = register.NewClient(cfg.Register.URL, cfg.Register.Key, "https://"+cfg.APIDomain, log)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NATS.URL != "" {
		n, err := notify.NewNATS(cfg.NATS.URL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		notifier = n
	}
	defer notifier.Close()

	sessionMgr := sessions.NewManager(sessionRepo,
		time.Duration(cfg.Auth.SessionMaxAgeSeconds)*time.Second, nil, log)
	accounts := users.NewService(index, passwordRepo, eventRepo, cat,
		cfg.Auth.Password, nil, log)
	guard := registration.NewAccountEvents(cat, registry, eventRepo, nil, log)

	pipeline := registration.NewPipeline(registration.Config{
		Catalogue:   cat,
		Registry:    registry,
		Index:       index,
		Accounts:    accounts,
		Credentials: passwordRepo,
		Events:      eventRepo,
		Accesses:    accessRepo,
		Sessions:    sessionMgr,
		Stores:      pool,
		Notifier:    notifier,
		DNSLess:     cfg.DNSLess,
		APIDomain:   cfg.APIDomain,
	}, log)

	eventSvc := events.NewService(eventRepo, cat, guard, notifier, nil, log)
	accessSvc := accesses.NewService(accessRepo, notifier, nil, log)

	logicCfg := accesses.LogicConfig{
		AccountRootIDs:   cat.AccountRootIDs(),
		StarStores:       []string{"_system", "system"},
		SelfAuditEnabled: true,
	}
	auth := apiMiddleware.NewAuthenticator(index, accessRepo, sessionMgr, cat,
		streamRepo, logicCfg, nil, nil, log)

	cache, err := previews.NewCache(cfg.Storage.PreviewsDir, nil, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open preview cache")
	}
	sweeper, err := previews.StartSweeper(cache, cfg.Previews.SweepSchedule,
		time.Duration(cfg.Previews.MaxAgeHours)*time.Hour, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid preview sweep schedule")
	}
	defer sweeper.Stop()

	throttle := apiMiddleware.NewThrottle(20, time.Minute, nil)
	defer throttle.Stop()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)

	routes.Register(r, routes.Deps{
		Auth:       auth,
		Events:     eventSvc,
		Accesses:   accessSvc,
		Pipeline:   pipeline,
		Registry:   registry,
		Index:      index,
		Accounts:   accounts,
		Sessions:   sessionMgr,
		AccessRepo: accessRepo,
		Throttle:   throttle,
		APIDomain:  cfg.APIDomain,
		Log:        log,
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Bool("dnsLess", cfg.DNSLess).Msg("server starting")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func configureLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
