package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/assetmanager/filingsqa/engine/graph"
	"github.com/assetmanager/filingsqa/engine/rag"
	"github.com/assetmanager/filingsqa/pkg/config"
	"github.com/assetmanager/filingsqa/pkg/fn"
	"github.com/assetmanager/filingsqa/pkg/metrics"
	"github.com/assetmanager/filingsqa/pkg/ollama"
	"github.com/assetmanager/filingsqa/pkg/resilience"
	"github.com/assetmanager/filingsqa/pkg/vertex"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// services is everything a subcommand needs to answer questions.
type services struct {
	pipeline *rag.Pipeline
	store    *graph.Store
	registry *prometheus.Registry
	driver   neo4j.DriverWithContext
}

// Close releases the database driver.
func (s *services) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

// wireServices connects to Neo4j and the configured model provider and
// assembles the pipeline.
func wireServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URI, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	store := graph.New(driver, cfg.Neo4j.Database, graph.WithIndex(cfg.Neo4j.Index))

	embedder, generator, err := newModels(ctx, cfg.LLM)
	if err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	if cfg.LLM.BreakerThreshold > 0 {
		embedder = newGuardedEmbedder(embedder, newModelBreaker("embedding", cfg.LLM, logger))
		generator = newGuardedGenerator(generator, newModelBreaker("generation", cfg.LLM, logger))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := rag.New(embedder, store, generator, pipelineOptions(cfg.Pipeline), logger, metrics.NewPipeline(reg))
	return &services{pipeline: p, store: store, registry: reg, driver: driver}, nil
}

func newModels(ctx context.Context, lc config.LLMConfig) (rag.Embedder, rag.Generator, error) {
	switch lc.Provider {
	case config.ProviderOllama:
		return ollama.NewEmbedClient(lc.OllamaURL, lc.EmbeddingModel, lc.OllamaWorkers),
			ollama.NewChatClient(lc.OllamaURL, lc.TextModel, float64(lc.Temperature)), nil
	case config.ProviderVertex, config.ProviderGemini:
		temp := lc.Temperature
		c, err := vertex.New(ctx, vertex.Config{
			Backend:         lc.Provider,
			Project:         lc.Project,
			Location:        lc.Location,
			APIKey:          lc.APIKey,
			EmbeddingModel:  lc.EmbeddingModel,
			TextModel:       lc.TextModel,
			Temperature:     &temp,
			MaxOutputTokens: lc.MaxOutputTokens,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return nil, nil, errors.New("unknown llm provider " + lc.Provider)
	}
}

func newModelBreaker(name string, lc config.LLMConfig, logger *slog.Logger) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerOpts{
		Name:          name,
		FailThreshold: lc.BreakerThreshold,
		Cooldown:      lc.BreakerCooldown,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("model circuit breaker", "model", name, "from", from.String(), "to", to.String())
		},
	})
}

// guardedEmbedder runs EmbedBatch through a breaker stage.
type guardedEmbedder struct {
	stage fn.Stage[[]string, [][]float32]
}

func newGuardedEmbedder(next rag.Embedder, b *resilience.Breaker) *guardedEmbedder {
	return &guardedEmbedder{stage: resilience.BreakerStage(b, fn.StageFunc(next.EmbedBatch))}
}

func (g *guardedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return g.stage.Run(ctx, texts)
}

type generateCall struct {
	prompt, system string
}

// guardedGenerator runs Generate through a breaker stage.
type guardedGenerator struct {
	stage fn.Stage[generateCall, string]
}

func newGuardedGenerator(next rag.Generator, b *resilience.Breaker) *guardedGenerator {
	return &guardedGenerator{stage: resilience.BreakerStage(b, fn.StageFunc(func(ctx context.Context, c generateCall) (string, error) {
		return next.Generate(ctx, c.prompt, c.system)
	}))}
}

func (g *guardedGenerator) Generate(ctx context.Context, prompt, systemInstruction string) (string, error) {
	return g.stage.Run(ctx, generateCall{prompt: prompt, system: systemInstruction})
}

func pipelineOptions(pc config.PipelineConfig) rag.Options {
	opts := rag.DefaultOptions()
	opts.TopK = pc.TopK
	opts.SearchTimeout = pc.SearchTimeout
	opts.Retry = fn.NoRetry
	if pc.RetryAttempts > 1 {
		opts.Retry = fn.RetryOpts{
			MaxAttempts: pc.RetryAttempts,
			InitialWait: 200 * time.Millisecond,
			MaxWait:     2 * time.Second,
			Jitter:      true,
		}
	}
	return opts
}
