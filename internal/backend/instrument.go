package backend

import (
	"context"
	"time"

	"github.com/robertguss/serialforge/internal/metrics"
)

type instrumented struct {
	next    Backend
	metrics metrics.Collector
}

// Instrument reports the latency and outcome of every request to m
func Instrument(next Backend, m metrics.Collector) Backend {
	if m == nil {
		return next
	}
	return &instrumented{next: next, metrics: m}
}

func (b *instrumented) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := b.next.Generate(ctx, req)
	b.metrics.BackendRequest(string(req.Stage), time.Since(start), err)
	return resp, err
}

type pinned struct {
	next  Backend
	model string
}

// PinModel sends every request that names no model to model instead of the
// backend's default
func PinModel(next Backend, model string) Backend {
	if model == "" {
		return next
	}
	return &pinned{next: next, model: model}
}

func (b *pinned) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = b.model
	}
	return b.next.Generate(ctx, req)
}
