package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/bt-bridge/realtime-relay/agents"
	"github.com/bt-bridge/realtime-relay/booking"
	"github.com/bt-bridge/realtime-relay/config"
	"github.com/bt-bridge/realtime-relay/drift"
	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bt-bridge/realtime-relay/similarity"
	"github.com/bt-bridge/realtime-relay/tools"
	"go.uber.org/zap"
)

// Log file rotation
const (
	logFileMaxSize    int  = 10 // MB
	logFileMaxBackups int  = 2
	logFileMaxAge     int  = 3 // days
	logFileCompress   bool = false
)

func newLogger(cfg *config.Config, component string) shared.LoggerAdapter {
	var logger shared.LoggerAdapter
	if cfg.LogFile != "" {
		logger = shared.NewFileLogger(cfg.LogFile, logFileMaxSize, logFileMaxBackups, logFileMaxAge, logFileCompress)
	} else {
		logger = shared.NewStdLogger(cfg.Debug)
	}
	return logger.With(
		zap.String("component", component),
		zap.String("version", shared.Version),
	)
}

// app is everything a running relay shares between sessions.
type app struct {
	primary  *agents.Persona
	backup   *agents.Persona
	monitor  *drift.Monitor
	store    *booking.Store
	document *agents.Document
}

func (a *app) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

func newEmbedder(ctx context.Context, cfg *config.Config) (similarity.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case config.EmbeddingGenAI:
		return similarity.NewGenAIEmbedder(ctx, cfg.GenAIAPIKey, cfg.GenAIBaseURL, cfg.EmbeddingModel)
	case config.EmbeddingOpenAI:
		return similarity.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.EmbeddingProvider)
	}
}

func newClassifier(cfg *config.Config, doc *agents.Document) (drift.Classifier, error) {
	switch cfg.ClassifierStrategy {
	case config.ClassifierLLM:
		decl, err := doc.Find(cfg.ClassifierAgent)
		if err != nil {
			return nil, fmt.Errorf("classifier prompt: %w", err)
		}
		return drift.NewLLMClassifier(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ClassifierModel, decl.Persona)
	case config.ClassifierEndpoint:
		return drift.NewEndpointClassifier(cfg.ClassifierEndpoint, cfg.ClassifierAPIKey)
	default:
		return nil, nil
	}
}

// wireApp loads the personas, indexes and booking store. Any failure is
// fatal at startup.
func wireApp(ctx context.Context, cfg *config.Config, logger shared.LoggerAdapter) (_ *app, err error) {
	doc, err := agents.LoadDocument(cfg.PersonaFile)
	if err != nil {
		return nil, err
	}

	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	hotelKB, err := similarity.Load("hotel", cfg.HotelKnowledgePath, embedder)
	if err != nil {
		return nil, err
	}
	airlineKB, err := similarity.Load("airline", cfg.AirlineKnowledgePath, embedder)
	if err != nil {
		return nil, err
	}
	logger.Info("knowledge bases loaded", zap.Int("hotel", hotelKB.Len()), zap.Int("airline", airlineKB.Len()))

	store, err := booking.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a := &app{store: store, document: doc}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.Close())
		}
	}()

	catalog := tools.HotelCatalog(store, hotelKB).Merge(tools.FlightCatalog(store, airlineKB))
	if a.primary, err = loadPersona(doc, cfg.PrimaryAgent, catalog); err != nil {
		return nil, err
	}
	if a.backup, err = loadPersona(doc, cfg.BackupAgent, catalog); err != nil {
		return nil, err
	}

	classifier, err := newClassifier(cfg, doc)
	if err != nil {
		return nil, err
	}
	if classifier == nil {
		logger.Warn("no drift classifier configured, persona switching disabled")
	}
	a.monitor, err = drift.NewMonitor(classifier, cfg.DriftEvery, cfg.DriftWindow, cfg.ClassifierTimeout, logger.With(zap.String("component", "drift")))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func loadPersona(doc *agents.Document, name string, catalog tools.Catalog) (*agents.Persona, error) {
	decl, err := doc.Find(name)
	if err != nil {
		return nil, err
	}
	return agents.NewPersona(decl, catalog)
}
