package rag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/assetmanager/filingsqa/engine/domain"
	"github.com/assetmanager/filingsqa/pkg/fn"
	"github.com/assetmanager/filingsqa/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeEmbedder struct {
	vectors [][]float32
	err     error
	calls   int
	inputs  []string
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.inputs = append(f.inputs, texts...)
	return f.vectors, f.err
}

type fakeSearcher struct {
	records []domain.MatchRecord
	err     error
	calls   int
	topK    int
	vector  []float32
}

func (f *fakeSearcher) VectorSearch(_ context.Context, vector []float32, topK int) ([]domain.MatchRecord, error) {
	f.calls++
	f.topK = topK
	f.vector = vector
	return f.records, f.err
}

type fakeGenerator struct {
	reply      string
	err        error
	calls      int
	lastPrompt string
	lastSystem string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt, system string) (string, error) {
	f.calls++
	f.lastPrompt = prompt
	f.lastSystem = system
	return f.reply, f.err
}

type fixture struct {
	embed  *fakeEmbedder
	search *fakeSearcher
	gen    *fakeGenerator
	logs   *bytes.Buffer
	reg    *prometheus.Registry
	m      *metrics.Pipeline
	p      *Pipeline
}

func newFixture(records []domain.MatchRecord) *fixture {
	f := &fixture{
		embed:  &fakeEmbedder{vectors: [][]float32{{0.1, 0.2, 0.3}}},
		search: &fakeSearcher{records: records},
		gen:    &fakeGenerator{reply: "BlackRock holds APPLE INC."},
		logs:   &bytes.Buffer{},
		reg:    prometheus.NewRegistry(),
	}
	f.m = metrics.NewPipeline(f.reg)
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.p = New(f.embed, f.search, f.gen, DefaultOptions(), logger, f.m)
	return f
}

func sampleRecords() []domain.MatchRecord {
	return []domain.MatchRecord{
		{Company: domain.StringPtr("APPLE INC"), AssetManager: domain.StringPtr("BlackRock Inc."), Quote: domain.StringPtr("iPhone revenue <grew> & more"), Score: 0.93},
		{Company: nil, AssetManager: nil, Quote: domain.StringPtr("unowned filing text"), Score: 0.81},
	}
}

// --- Answer ---

func TestAnswer_Success(t *testing.T) {
	f := newFixture(sampleRecords())

	res, err := f.p.Answer(context.Background(), "Which managers own Apple?")
	require.NoError(t, err)

	assert.Equal(t, "BlackRock holds APPLE INC.", res.Result)
	assert.Equal(t, f.gen.lastPrompt, res.Context)
	assert.Contains(t, res.Context, "<question>\nWhich managers own Apple?\n</question>")
	assert.Contains(t, res.Context, `"company":"APPLE INC"`)
	assert.Contains(t, res.Context, `"asset_manager":null`)
	assert.Contains(t, res.Context, "iPhone revenue <grew> & more")
	assert.Equal(t, DefaultSystemPrompt, f.gen.lastSystem)

	assert.Equal(t, []string{"Which managers own Apple?"}, f.embed.inputs)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, f.search.vector)
	assert.Equal(t, domain.MaxRecords, f.search.topK)
}

func TestAnswer_NoMatchesSendsEmptyContext(t *testing.T) {
	f := newFixture(nil)
	f.gen.reply = "None"

	res, err := f.p.Answer(context.Background(), "What does Acme Widgets file?")
	require.NoError(t, err)

	assert.Equal(t, "None", res.Result)
	assert.Contains(t, res.Context, "<context>\n[]\n</context>")
	assert.Contains(t, f.gen.lastSystem, "If the context is empty, just respond None")
}

func TestAnswer_EmptyQuestionRunsFullPipeline(t *testing.T) {
	f := newFixture(sampleRecords())

	_, err := f.p.Answer(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 1, f.embed.calls)
	assert.Equal(t, []string{""}, f.embed.inputs)
	assert.Equal(t, 1, f.search.calls)
	assert.Equal(t, 1, f.gen.calls)
}

func TestAnswer_EmbedError(t *testing.T) {
	f := newFixture(sampleRecords())
	f.embed.err = errors.New("vertex unavailable")

	_, err := f.p.Answer(context.Background(), "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbedding)
	assert.Equal(t, 0, f.search.calls)
	assert.Equal(t, 0, f.gen.calls)
}

func TestAnswer_EmptyEmbedding(t *testing.T) {
	f := newFixture(sampleRecords())
	f.embed.vectors = nil

	_, err := f.p.Answer(context.Background(), "q")
	assert.ErrorIs(t, err, domain.ErrEmbedding)
	assert.Equal(t, 0, f.search.calls)
}

func TestAnswer_SearchErrorSkipsGeneration(t *testing.T) {
	f := newFixture(nil)
	f.search.err = errors.New("neo4j: connection refused")

	_, err := f.p.Answer(context.Background(), "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQuery)
	assert.Equal(t, domain.StageSearch, domain.KindOf(err))
	assert.Equal(t, 1, f.search.calls, "search must not be retried")
	assert.Equal(t, 0, f.gen.calls, "generator must not be called after a failed search")
}

func TestAnswer_GenerationError(t *testing.T) {
	f := newFixture(sampleRecords())
	f.gen.err = errors.New("quota exceeded")

	res, err := f.p.Answer(context.Background(), "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGeneration)
	assert.Empty(t, res.Result)
}

func TestAnswer_LogsTimingOnEveryPath(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fixture)
		level string
	}{
		{"success", func(*fixture) {}, "level=INFO"},
		{"embed failure", func(f *fixture) { f.embed.err = errors.New("x") }, "level=ERROR"},
		{"search failure", func(f *fixture) { f.search.err = errors.New("x") }, "level=ERROR"},
		{"generate failure", func(f *fixture) { f.gen.err = errors.New("x") }, "level=ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(sampleRecords())
			tt.setup(f)
			_, _ = f.p.Answer(context.Background(), "q")

			var timing string
			for _, line := range strings.Split(f.logs.String(), "\n") {
				if strings.Contains(line, `msg="generation time"`) {
					timing = line
				}
			}
			require.NotEmpty(t, timing, "timing line missing:\n%s", f.logs.String())
			assert.Contains(t, timing, tt.level)
			assert.Contains(t, timing, "elapsed=")
		})
	}
}

func TestAnswer_LogsTimingOnPanic(t *testing.T) {
	f := newFixture(sampleRecords())
	f.p.generator = panicGenerator{}

	assert.Panics(t, func() { _, _ = f.p.Answer(context.Background(), "q") })
	assert.Contains(t, f.logs.String(), `msg="generation time"`)
	assert.Contains(t, f.logs.String(), "panic=")
}

type panicGenerator struct{}

func (panicGenerator) Generate(context.Context, string, string) (string, error) {
	panic("model client bug")
}

func TestAnswer_RecordsMetrics(t *testing.T) {
	f := newFixture(sampleRecords())
	_, err := f.p.Answer(context.Background(), "q")
	require.NoError(t, err)

	f.search.err = errors.New("down")
	_, err = f.p.Answer(context.Background(), "q")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.StageErrors.WithLabelValues(domain.StageSearch)))
	assert.Equal(t, 2, testutil.CollectAndCount(f.m.AnswerDuration))
}

// --- Search ---

func TestSearch_SortsAndCaps(t *testing.T) {
	var recs []domain.MatchRecord
	for i := range 70 {
		recs = append(recs, domain.MatchRecord{Quote: domain.StringPtr(fmt.Sprint(i)), Score: float64(i%13) / 13})
	}
	f := newFixture(recs)

	out, err := f.p.Search(context.Background(), []float32{1})
	require.NoError(t, err)
	require.Len(t, out, domain.MaxRecords)
	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i-1].Score, out[i].Score)
	}
}

func TestSearch_RetryOptionsHonoured(t *testing.T) {
	f := newFixture(nil)
	f.search.err = errors.New("flaky")

	opts := DefaultOptions()
	opts.Retry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}
	p := New(f.embed, f.search, f.gen, opts, nil, nil)

	_, err := p.Search(context.Background(), []float32{1})
	assert.ErrorIs(t, err, domain.ErrQuery)
	assert.Equal(t, 3, f.search.calls)
}

// cancelSearcher fails and cancels the request, so the retry backoff sees a
// done context.
type cancelSearcher struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancelSearcher) VectorSearch(context.Context, []float32, int) ([]domain.MatchRecord, error) {
	c.calls++
	c.cancel()
	return nil, errors.New("connection reset")
}

func TestAnswer_CancelledDuringRetryIsQueryError(t *testing.T) {
	f := newFixture(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &cancelSearcher{cancel: cancel}

	opts := DefaultOptions()
	opts.Retry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Second}
	logger := slog.New(slog.NewTextHandler(f.logs, nil))
	p := New(f.embed, s, f.gen, opts, logger, f.m)

	_, err := p.Answer(ctx, "who owns apple")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQuery)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StageSearch, domain.KindOf(err))
	assert.Equal(t, 1, s.calls)
	assert.Zero(t, f.gen.calls)
	assert.Contains(t, f.logs.String(), "stage=search")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.StageErrors.WithLabelValues(domain.StageSearch)))
}

func TestSearch_TimeoutApplied(t *testing.T) {
	opts := DefaultOptions()
	opts.SearchTimeout = 5 * time.Millisecond
	p := New(&fakeEmbedder{}, deadlineSearcher{}, &fakeGenerator{}, opts, nil, nil)

	_, err := p.Search(context.Background(), []float32{1})
	assert.ErrorIs(t, err, domain.ErrQuery)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type deadlineSearcher struct{}

func (deadlineSearcher) VectorSearch(ctx context.Context, _ []float32, _ int) ([]domain.MatchRecord, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("no deadline set")
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// --- New ---

func TestNew_NormalisesOptions(t *testing.T) {
	p := New(&fakeEmbedder{}, &fakeSearcher{}, &fakeGenerator{}, Options{TopK: 500}, nil, nil)
	assert.Equal(t, domain.MaxRecords, p.opts.TopK)
	assert.Equal(t, DefaultSystemPrompt, p.opts.SystemPrompt)
	assert.Equal(t, DefaultTemplate, p.opts.Template)
	assert.NotNil(t, p.logger)
}

func TestDefaultOptions_SingleAttempt(t *testing.T) {
	assert.Equal(t, 1, DefaultOptions().Retry.MaxAttempts)
	assert.Zero(t, DefaultOptions().SearchTimeout)
}
