package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-match-server/internal/api"
	"github.com/trial-match-server/internal/config"
	"github.com/trial-match-server/internal/database"
	"github.com/trial-match-server/internal/domain"
	"github.com/trial-match-server/internal/feedback"
	"github.com/trial-match-server/internal/repository"
	"github.com/trial-match-server/internal/search"
	"github.com/trial-match-server/internal/service"
	"github.com/trial-match-server/pkg/external"
	"github.com/trial-match-server/pkg/synonyms"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Starting trial match server")

	dict, err := synonyms.Load(cfg.Synonyms.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load synonym dictionary")
	}
	logger.WithField("keys", dict.Len()).Info("Synonym dictionary loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lexical, err := search.NewLexicalClient(cfg.Search, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create lexical client")
	}
	warmUp(ctx, lexical, logger)

	var encoder domain.Encoder
	if cfg.Dense.EncoderURL != "" {
		encoder = external.NewEncoderClient(external.EncoderConfig{
			BaseURL: cfg.Dense.EncoderURL,
			Model:   cfg.Dense.EncoderModel,
			Timeout: cfg.Dense.Timeout,
		})
	}
	dense := search.NewDenseClient(cfg.Dense, encoder, logger)
	if encoder != nil {
		if want := dense.IndexModelName(); want != "" && encoder.ModelName() != "" && want != encoder.ModelName() {
			logger.WithFields(logrus.Fields{
				"index_model":   want,
				"encoder_model": encoder.ModelName(),
			}).Warn("Configured encoder model does not match dense index metadata")
		}
	}

	linker := buildLinker(cfg, logger)

	parser := service.NewCriteriaParserService(dict, logger)
	scorer := service.NewFeasibilityScorerService(linker, synonyms.NewBiomarkerNormalizer(dict), logger)

	ranker, err := service.NewRankerService(lexical, dense, parser, scorer, linker, dict, cfg.Ranking, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create ranker")
	}

	deps := api.Deps{
		Ranker:  ranker,
		Parser:  parser,
		Scorer:  scorer,
		Lexical: lexical,
		Dense:   dense,
	}

	if cfg.Database.Host != "" {
		db, err := database.NewConnection(ctx, cfg.Database, logger)
		if err != nil {
			logger.WithError(err).Warn("Trial catalog unavailable, detail lookups disabled")
		} else {
			defer db.Close()
			deps.Repository = repository.NewTrialRepository(db.Pool, logger)
		}
	}

	if store := buildFeedbackStore(cfg.Feedback, logger); store != nil {
		defer store.Close()
		deps.Feedback = store
	}

	server := api.NewServer(cfg, deps, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logger.SetOutput(os.Stdout)
	return logger
}

// warmUp verifies the lexical backend is reachable before serving traffic.
// A slow index start is tolerated; the health endpoint reports the truth.
func warmUp(ctx context.Context, lexical domain.LexicalSearcher, logger *logrus.Logger) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := lexical.Ping(pingCtx); err != nil {
		logger.WithError(err).Warn("Lexical backend not reachable at startup")
		return
	}
	logger.Info("Lexical backend reachable")
}

func buildLinker(cfg *domain.Config, logger *logrus.Logger) domain.ConceptLinker {
	base := external.InitLinker(external.LinkerConfig{
		BaseURL: cfg.Linker.BaseURL,
		Timeout: cfg.Linker.Timeout,
	}, logger)

	var cache *external.CacheClient
	if cfg.Cache.Enabled {
		c, err := external.NewCacheClient(cfg.Cache)
		if err != nil {
			logger.WithError(err).Warn("Redis cache unavailable, using in-process cache only")
		} else {
			cache = c
		}
	}

	caching, err := external.NewCachingLinker(base, cfg.Cache.LRUSize, cache)
	if err != nil {
		logger.WithError(err).Warn("Linker cache disabled")
		return base
	}
	return caching
}

func buildFeedbackStore(cfg domain.FeedbackConfig, logger *logrus.Logger) feedback.Store {
	switch cfg.Backend {
	case "postgres":
		store, err := feedback.NewPostgresStoreFromURL(cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Warn("Postgres feedback store unavailable")
			return nil
		}
		return store
	case "sqlite":
		store, err := feedback.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			logger.WithError(err).Warn("SQLite feedback store unavailable")
			return nil
		}
		return store
	}
	return nil
}
