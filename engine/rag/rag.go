// Package rag answers questions about SEC filings. A question is embedded,
// matched against the document vector index, enriched with company and asset
// manager from the graph, serialized into a grounded prompt and sent to a
// text-generation model.
package rag

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/assetmanager/filingsqa/engine/domain"
	"github.com/assetmanager/filingsqa/pkg/fn"
	"github.com/assetmanager/filingsqa/pkg/metrics"
)

// Embedder turns texts into vectors, one per input.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher runs the top-k similarity search with graph enrichment.
type Searcher interface {
	VectorSearch(ctx context.Context, vector []float32, topK int) ([]domain.MatchRecord, error)
}

// Generator calls a text-generation model with a system instruction.
type Generator interface {
	Generate(ctx context.Context, prompt, systemInstruction string) (string, error)
}

// Options configures the pipeline.
type Options struct {
	TopK          int
	SystemPrompt  string
	Template      string
	Retry         fn.RetryOpts
	SearchTimeout time.Duration // 0 disables
}

// DefaultOptions returns the production settings: top 50, a single search
// attempt and no search timeout.
func DefaultOptions() Options {
	return Options{
		TopK:         domain.MaxRecords,
		SystemPrompt: DefaultSystemPrompt,
		Template:     DefaultTemplate,
		Retry:        fn.NoRetry,
	}
}

var errNoEmbedding = errors.New("model returned no embedding")

// Pipeline is the question answering pipeline. It holds no per-request
// state and is safe for concurrent use.
type Pipeline struct {
	embedder  Embedder
	searcher  Searcher
	generator Generator
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Pipeline

	embed  fn.Stage[string, []float32]
	search fn.Stage[[]float32, []domain.MatchRecord]
}

// New creates a Pipeline. logger and m may be nil.
func New(e Embedder, s Searcher, g Generator, opts Options, logger *slog.Logger, m *metrics.Pipeline) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 || opts.TopK > domain.MaxRecords {
		opts.TopK = domain.MaxRecords
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.Template == "" {
		opts.Template = DefaultTemplate
	}

	p := &Pipeline{
		embedder:  e,
		searcher:  s,
		generator: g,
		opts:      opts,
		logger:    logger,
		metrics:   m,
	}
	p.embed = fn.TracedStage("rag.embed", fn.StageFunc(p.embedQuestion))
	retrying := fn.RetryStage(opts.Retry, fn.StageFunc(p.vectorSearch))
	p.search = fn.TracedStage("rag.search", fn.StageFunc(func(ctx context.Context, v []float32) ([]domain.MatchRecord, error) {
		records, err := retrying.Run(ctx, v)
		if err != nil && !errors.Is(err, domain.ErrQuery) {
			return nil, domain.QueryError(err)
		}
		return records, err
	}))
	return p
}

// Embed returns the embedding of question. Failures are EmbeddingErrors.
func (p *Pipeline) Embed(ctx context.Context, question string) ([]float32, error) {
	return p.embed.Run(ctx, question)
}

// Search returns at most TopK records, best first. Failures are QueryErrors.
func (p *Pipeline) Search(ctx context.Context, vector []float32) ([]domain.MatchRecord, error) {
	return p.search.Run(ctx, vector)
}

// Generate fills the prompt template and calls the model. It returns the
// filled prompt alongside the model text. Failures are GenerationErrors.
func (p *Pipeline) Generate(ctx context.Context, question, serialized string) (string, string, error) {
	prompt := FillTemplate(p.opts.Template, question, serialized)
	text, err := fn.TracedStage("rag.generate", fn.StageFunc(func(ctx context.Context, prompt string) (string, error) {
		out, err := p.generator.Generate(ctx, prompt, p.opts.SystemPrompt)
		if err != nil {
			return "", domain.GenerationError(err)
		}
		return out, nil
	})).Run(ctx, prompt)
	return prompt, text, err
}

// Answer runs embed, search, serialize and generate in order. The elapsed
// time is logged and recorded on every exit path.
func (p *Pipeline) Answer(ctx context.Context, question string) (res domain.AnswerResult, err error) {
	start := time.Now()
	records := 0
	defer func() {
		elapsed := time.Since(start)
		if r := recover(); r != nil {
			p.logger.Error("generation time", "elapsed", elapsed, "panic", r)
			p.metrics.ObserveAnswer(elapsed, errors.New("panic"))
			panic(r)
		}
		p.metrics.ObserveAnswer(elapsed, err)
		if err != nil {
			p.logger.Error("generation time", "elapsed", elapsed, "stage", domain.KindOf(err), "err", err)
			return
		}
		p.logger.Info("generation time", "elapsed", elapsed, "records", records)
	}()

	p.logger.Debug("rag answer start", "question_len", len(question))

	vector, err := p.Embed(ctx, question)
	if err != nil {
		return domain.AnswerResult{}, err
	}

	matches, err := p.Search(ctx, vector)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	records = len(matches)
	p.metrics.ObserveRecords(records)

	serialized, err := Serialize(matches)
	if err != nil {
		return domain.AnswerResult{}, domain.QueryError(err)
	}

	prompt, text, err := p.Generate(ctx, question, serialized)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	return domain.AnswerResult{Context: prompt, Result: text}, nil
}

func (p *Pipeline) embedQuestion(ctx context.Context, question string) ([]float32, error) {
	vectors, err := p.embedder.EmbedBatch(ctx, []string{question})
	if err != nil {
		return nil, domain.EmbeddingError(err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, domain.EmbeddingError(errNoEmbedding)
	}
	return vectors[0], nil
}

func (p *Pipeline) vectorSearch(ctx context.Context, vector []float32) ([]domain.MatchRecord, error) {
	if p.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.SearchTimeout)
		defer cancel()
	}
	records, err := p.searcher.VectorSearch(ctx, vector, p.opts.TopK)
	if err != nil {
		return nil, domain.QueryError(err)
	}
	slices.SortStableFunc(records, domain.ByScoreDesc)
	if len(records) > p.opts.TopK {
		records = records[:p.opts.TopK]
	}
	return records, nil
}
