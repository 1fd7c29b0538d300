// Package pipeline runs a library's signature graph through packing,
// sanitizing, enrichment and reassembly, and publishes the result.
package pipeline

import (
	"log/slog"

	"github.com/google/uuid"

	"typegraph/internal/chunk"
)

// RunContext carries what every stage of one run shares. It is passed
// explicitly; nothing is kept in package state.
type RunContext struct {
	RunID     string
	Logger    *slog.Logger
	Estimator chunk.Estimator
	Budget    int
	Workers   int
}

func NewRunContext(logger *slog.Logger, est chunk.Estimator, budget, workers int) *RunContext {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if est == nil {
		est = chunk.TokenEstimator{Divisor: 4}
	}
	if workers < 1 {
		workers = 1
	}
	runID := uuid.NewString()
	return &RunContext{
		RunID:     runID,
		Logger:    logger.With("run_id", runID),
		Estimator: est,
		Budget:    budget,
		Workers:   workers,
	}
}
