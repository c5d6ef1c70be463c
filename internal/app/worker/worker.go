// Package worker wires the conversion worker process: it shares the room
// store and artifact store with the server and drains the conversion
// queue through the pipeline.
package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/coplay.space/internal/artifact"
	"github.com/louisbranch/coplay.space/internal/convert"
	convertworker "github.com/louisbranch/coplay.space/internal/convert/worker"
	"github.com/louisbranch/coplay.space/internal/registry"
	"github.com/louisbranch/coplay.space/internal/registry/sqlite"
	"github.com/louisbranch/coplay.space/internal/validator/luasandbox"
)

// Config defines the inputs for the conversion worker.
type Config struct {
	// DBPath must point at the same SQLite store as the server; the
	// pending-room queue lives there.
	DBPath      string `env:"COPLAY_SPACE_DB_PATH"`
	ArtifactDir string `env:"COPLAY_SPACE_ARTIFACT_DIR" envDefault:"data/artifacts"`

	OpenAIAPIKey string `env:"COPLAY_SPACE_OPENAI_API_KEY"`
	OpenAIModel  string `env:"COPLAY_SPACE_OPENAI_MODEL"`
	OpenAIURL    string `env:"COPLAY_SPACE_OPENAI_URL"`

	Workers      int           `env:"COPLAY_SPACE_CONVERT_WORKERS" envDefault:"2"`
	PollInterval time.Duration `env:"COPLAY_SPACE_CONVERT_POLL_INTERVAL" envDefault:"2s"`
}

// Run drains the conversion queue until the context ends.
func Run(ctx context.Context, cfg Config) error {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Printf("close room store: %v", err)
		}
	}()

	artifacts, err := artifact.NewStore(cfg.ArtifactDir)
	if err != nil {
		return err
	}
	deployer := luasandbox.NewDeployer(artifacts, luasandbox.New())
	pipeline := convert.NewPipeline(store, artifacts, deployer, convert.NewOpenAIRewriter(convert.OpenAIConfig{
		ResponsesURL: cfg.OpenAIURL,
		APIKey:       cfg.OpenAIAPIKey,
		Model:        cfg.OpenAIModel,
	}))

	pool := convertworker.New(pipeline,
		convertworker.WithWorkers(cfg.Workers),
		convertworker.WithPollInterval(cfg.PollInterval),
	)
	log.Printf("conversion worker starting workers=%d poll_interval=%s", cfg.Workers, cfg.PollInterval)
	return pool.Run(ctx)
}

func openStore(cfg Config) (registry.RoomStore, func() error, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, nil, fmt.Errorf("db path is required; the worker shares the server's room store")
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open room store: %w", err)
	}
	return store, store.Close, nil
}
