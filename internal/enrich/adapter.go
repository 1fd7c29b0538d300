// Package enrich sends chunk units to a text-generation model and overlays
// the synthesized documentation it returns onto the original units.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"typegraph/internal/chunk"
	"typegraph/internal/chunkstore"
	"typegraph/internal/llm"
)

// DefaultPrompt asks for descriptions only; the overlay ignores anything
// else the model changes.
const DefaultPrompt = `You are given one chunk of a TypeScript API signature graph as JSON.
For every function, method, class and type whose documentation is missing or vague,
add a concise "xaiDescription" (at most 20 words) that mentions the types it uses.
Skip simple constants and enum members unless they are undocumented.
Keep every other field, every "__chunked__" placeholder and the item order exactly as given.
Return only raw JSON with the same shape as the input. No prose, no Markdown.`

// Status classifies one enrichment attempt.
type Status int

const (
	StatusSuccess Status = iota
	StatusRetryable
	StatusPermanent
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRetryable:
		return "retryable"
	case StatusPermanent:
		return "permanent"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is the outcome of a single attempt.
type Result struct {
	Status   Status
	Unit     chunk.Unit
	Err      error
	Salvaged bool
}

func Success(u chunk.Unit, salvaged bool) Result {
	return Result{Status: StatusSuccess, Unit: u, Salvaged: salvaged}
}
func Retryable(err error) Result { return Result{Status: StatusRetryable, Err: err} }
func Permanent(err error) Result { return Result{Status: StatusPermanent, Err: err} }

// Failure is one entry of the failure report.
type Failure struct {
	Unit          string `json:"unit"`
	Identity      string `json:"identity"`
	SequenceIndex int    `json:"sequenceIndex"`
	Error         string `json:"error"`
	Attempts      int    `json:"attempts"`
}

// Outcome is what Enrich reports for one unit. Unit is the enriched unit, or
// the original when enrichment failed so callers can still reassemble it.
type Outcome struct {
	Handle   chunkstore.Handle
	Unit     chunk.Unit
	Enriched bool
	Skipped  bool
	Salvaged bool
	Attempts int
	Failure  *Failure
}

// Adapter enriches units one at a time. It is safe for concurrent use as
// long as Client and Store are.
type Adapter struct {
	Client   llm.LLMClient
	Store    chunkstore.Store
	Prompt   string
	Attempts int
	Backoff  time.Duration
	Logger   *slog.Logger
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.Logger
}

// Enrich runs the attempt loop for u and persists the enriched unit under
// h. A unit whose enriched output already exists for the same source digest
// is skipped without calling the model.
func (a *Adapter) Enrich(ctx context.Context, h chunkstore.Handle, u chunk.Unit) Outcome {
	log := a.logger().With("unit", u.Key(), "handle", string(h))
	digest := u.Digest()
	if prev, err := a.Store.Read(ctx, chunkstore.StageEnriched, h); err == nil && prev.SourceDigest == digest {
		log.Debug("enrichment exists, skipping")
		return Outcome{Handle: h, Unit: prev, Enriched: true, Skipped: true}
	} else if err != nil && !errors.Is(err, chunkstore.ErrNotFound) {
		log.Warn("existing enrichment unreadable, redoing", "error", err)
	}

	attempts := a.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var last Result
	n := 0
	for n < attempts {
		n++
		last = a.attempt(ctx, h, u, n)
		if last.Status != StatusRetryable {
			break
		}
		log.Warn("enrichment attempt failed", "attempt", n, "of", attempts, "error", last.Err)
		if n < attempts && !sleep(ctx, a.Backoff) {
			last = Permanent(ctx.Err())
			break
		}
	}

	if last.Status == StatusSuccess {
		if _, err := a.Store.Write(ctx, chunkstore.StageEnriched, last.Unit); err != nil {
			last = Permanent(fmt.Errorf("persist enriched unit: %w", err))
		} else {
			if last.Salvaged {
				log.Info("enriched from salvaged reply", "attempts", n)
			}
			return Outcome{Handle: h, Unit: last.Unit, Enriched: true, Salvaged: last.Salvaged, Attempts: n}
		}
	}

	log.Error("enrichment failed, keeping original", "attempts", n, "status", last.Status, "error", last.Err)
	return Outcome{
		Handle:   h,
		Unit:     u,
		Attempts: n,
		Failure: &Failure{
			Unit:          string(h),
			Identity:      u.Identity(),
			SequenceIndex: u.SequenceIndex,
			Error:         last.Err.Error(),
			Attempts:      n,
		},
	}
}

func (a *Adapter) attempt(ctx context.Context, h chunkstore.Handle, u chunk.Unit, n int) Result {
	prompt := a.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	raw, err := a.Client.GenerateJSON(llm.WithUnit(ctx, u.Key()), prompt, u.Record())
	if err != nil {
		if ctx.Err() != nil {
			return Permanent(ctx.Err())
		}
		if llm.IsPermanent(err) {
			return Permanent(err)
		}
		return Retryable(err)
	}
	if err := a.Store.WriteRaw(ctx, h, n, raw); err != nil {
		a.logger().Warn("archive raw reply", "unit", u.Key(), "attempt", n, "error", err)
	}
	v, salvaged, err := Repair(raw)
	if err != nil {
		return Retryable(err)
	}
	out, err := Overlay(u, v)
	if err != nil {
		return Retryable(err)
	}
	return Success(out, salvaged)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
