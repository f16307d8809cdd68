package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/user/conclave/internal/attachment"
	"github.com/user/conclave/internal/config"
	"github.com/user/conclave/internal/conversation"
	"github.com/user/conclave/internal/credential"
	"github.com/user/conclave/internal/gate"
	"github.com/user/conclave/internal/metrics"
	"github.com/user/conclave/internal/orchestrator"
	"github.com/user/conclave/internal/prompt"
	"github.com/user/conclave/internal/relay"
	"github.com/user/conclave/internal/state"
	"github.com/user/conclave/internal/store"
	"github.com/user/conclave/internal/types"
	"github.com/user/conclave/pkg/llm"
	"github.com/user/conclave/pkg/llm/openai"
)

// app holds the wired core shared by serve and ask.
type app struct {
	store         *store.SQLiteStore
	conversations *conversation.Service
	transcripts   *state.TranscriptStore
	gate          *gate.Gate
	metrics       *metrics.Metrics
	driveToken    *credential.Cache
	resolver      *attachment.Resolver
	relay         *relay.Relay
	orchestrator  *orchestrator.Orchestrator
}

func newApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "conclave.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	backend := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout.Std(),
	})

	engine, err := prompt.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create prompt engine: %w", err)
	}

	a := &app{
		store:         db,
		conversations: conversation.NewService(db, types.AgentID(cfg.Relay.DefaultAgent)),
		transcripts:   state.NewTranscriptStore(cfg.DataDir),
		gate:          gate.New(int64(cfg.MaxConcurrent)),
		metrics:       metrics.New(),
	}

	var source attachment.Source
	if cfg.Drive.AccessToken != "" || cfg.Drive.RefreshToken != "" {
		var refresher credential.Refresher
		if cfg.Drive.ClientID != "" {
			refresher = credential.NewOAuthRefresher(cfg.Drive.TokenURL, cfg.Drive.ClientID, cfg.Drive.ClientSecret)
		}
		a.driveToken = credential.NewCache(credential.Token{
			AccessToken:  cfg.Drive.AccessToken,
			RefreshToken: cfg.Drive.RefreshToken,
		}, refresher, credential.DefaultSkew)
		source = attachment.NewDriveSource(cfg.Drive.BaseURL, a.driveToken)
	} else {
		slog.Warn("document source disabled (no drive credential)")
	}
	a.resolver = attachment.NewResolver(source, attachment.Options{
		MaxBytes:    cfg.Attachments.MaxBytes,
		MaxChars:    cfg.Attachments.MaxChars,
		Concurrency: cfg.Attachments.Concurrency,
		Metrics:     a.metrics,
	})

	a.relay = relay.New(backend, a.conversations, relay.Options{
		BaseInstructions: cfg.LLM.Instructions,
		StreamTimeout:    cfg.Relay.StreamTimeout.Std(),
		Gate:             a.gate,
		Engine:           engine,
		Transcripts:      a.transcripts,
		Metrics:          a.metrics,
	})
	a.orchestrator = orchestrator.New(backend, orchestrator.Options{
		Roster:           cfg.Collaboration.Roster,
		TaskTimeout:      cfg.Collaboration.TaskTimeout.Std(),
		SynthesisTimeout: cfg.Collaboration.SynthesisTimeout.Std(),
		Concurrency:      cfg.Collaboration.Concurrency,
		SynthesisModel:   cfg.LLM.SynthesisModel,
		ClipTokens:       cfg.Collaboration.ClipTokens,
		Engine:           engine,
		Gate:             a.gate,
		Transcripts:      a.transcripts,
		Metrics:          a.metrics,
	})
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
