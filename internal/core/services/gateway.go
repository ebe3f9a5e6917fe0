package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-kb/internal/logger"
	"github.com/custodia-labs/sercha-kb/internal/metrics"
)

// EmbeddingGateway wraps an Embedder with the engine's guarantees: every call
// is bounded by a timeout, transient failures are retried, and every returned
// vector is checked against the configured dimension.
type EmbeddingGateway struct {
	embedder    driven.Embedder
	dimension   int
	timeout     time.Duration
	batchSize   int
	concurrency int
	maxRetries  int
	limiter     *rate.Limiter
	metrics     *metrics.Metrics

	// retryInterval is the first backoff delay.
	retryInterval time.Duration
}

// NewEmbeddingGateway creates a gateway for the given embedder.
// A nil embedder makes every call fail with domain.ErrEmbeddingUnavailable.
func NewEmbeddingGateway(embedder driven.Embedder, cfg domain.EngineConfig, m *metrics.Metrics) *EmbeddingGateway {
	g := &EmbeddingGateway{
		embedder:      embedder,
		dimension:     cfg.Dimension,
		timeout:       cfg.EmbedTimeout,
		batchSize:     cfg.EmbedBatchSize,
		concurrency:   cfg.EmbedConcurrency,
		maxRetries:    cfg.EmbedMaxRetries,
		metrics:       m,
		retryInterval: 200 * time.Millisecond,
	}
	if g.batchSize <= 0 {
		g.batchSize = 32
	}
	if g.concurrency <= 0 {
		g.concurrency = 1
	}
	if g.maxRetries < 0 {
		g.maxRetries = 0
	}
	if cfg.EmbedRateLimit > 0 {
		burst := int(cfg.EmbedRateLimit)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.EmbedRateLimit), burst)
	}
	return g
}

// Dimension returns the vector length every result is checked against.
func (g *EmbeddingGateway) Dimension() int {
	return g.dimension
}

// EmbedBatch embeds texts in input order. Batches run concurrently; the first
// failure cancels the rest and nothing partial is returned.
func (g *EmbeddingGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)

	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		batch := texts[start:end]
		offset := start
		eg.Go(func() error {
			vectors, err := g.call(egCtx, batch)
			if err != nil {
				return err
			}
			copy(out[offset:], vectors)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (g *EmbeddingGateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.call(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// call embeds one batch with rate limiting, timeout and retries.
func (g *EmbeddingGateway) call(ctx context.Context, texts []string) ([][]float32, error) {
	if g.embedder == nil {
		return nil, fmt.Errorf("%w: no embedding service configured", domain.ErrEmbeddingUnavailable)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retryInterval

	attempt := 0
	op := func() ([][]float32, error) {
		if attempt > 0 {
			g.metrics.EmbedCalls.WithLabelValues(metrics.ResultRetry).Inc()
			logger.Debug("Retrying embedding batch of %d (attempt %d)", len(texts), attempt+1)
		}
		attempt++

		vectors, err := g.attempt(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		// Caller cancellation and bad vectors are final.
		if ctx.Err() != nil || !errors.Is(err, domain.ErrEmbeddingUnavailable) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	start := time.Now()
	vectors, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.maxRetries+1)),
	)
	g.metrics.EmbedDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		g.metrics.EmbedCalls.WithLabelValues(metrics.ResultError).Inc()
		if !errors.Is(err, domain.ErrEmbeddingUnavailable) && !errors.Is(err, domain.ErrEmbeddingDimensionMismatch) {
			err = fmt.Errorf("%w: %w", domain.ErrEmbeddingUnavailable, err)
		}
		return nil, err
	}

	g.metrics.EmbedCalls.WithLabelValues(metrics.ResultOK).Inc()
	g.metrics.EmbedTexts.Add(float64(len(texts)))
	return vectors, nil
}

// attempt makes a single bounded embedder call and validates its output.
func (g *EmbeddingGateway) attempt(ctx context.Context, texts []string) ([][]float32, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingUnavailable, err)
		}
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	vectors, err := g.embedder.Embed(callCtx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingUnavailable, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts",
			domain.ErrEmbeddingUnavailable, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != g.dimension {
			return nil, fmt.Errorf("%w: vector %d has length %d, expected %d",
				domain.ErrEmbeddingDimensionMismatch, i, len(v), g.dimension)
		}
		if j := domain.NonFinite(v); j >= 0 {
			return nil, fmt.Errorf("%w: vector %d component %d is %v",
				domain.ErrInvalidVector, i, j, v[j])
		}
	}
	return vectors, nil
}
