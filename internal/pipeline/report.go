package pipeline

import (
	"typegraph/internal/chunk"
	"typegraph/internal/chunkstore"
	"typegraph/internal/enrich"
	"typegraph/internal/types"
)

// Report summarizes one library run.
type Report struct {
	RunID          string            `json:"runId"`
	Library        string            `json:"library"`
	Version        string            `json:"version"`
	Skipped        bool              `json:"skipped,omitempty"`
	Units          int               `json:"units"`
	Violations     []chunk.Violation `json:"violations,omitempty"`
	Discarded      []string          `json:"discarded,omitempty"`
	Unreadable     []string          `json:"unreadable,omitempty"`
	Enriched       int               `json:"enriched"`
	Reused         int               `json:"reused"`
	Salvaged       int               `json:"salvaged"`
	Failures       []enrich.Failure  `json:"failures,omitempty"`
	Unresolved     []string          `json:"unresolved,omitempty"`
	Orphans        []string          `json:"orphans,omitempty"`
	DuplicateUnits []string          `json:"duplicateUnits,omitempty"`
	Stats          types.Stats       `json:"stats"`
	Output         string            `json:"output,omitempty"`
	Published      string            `json:"published,omitempty"`
}

// Complete reports whether every unit was read, enriched and placed back
// into the graph. Oversize units and discarded empty units do not count
// against completeness.
func (r Report) Complete() bool {
	return len(r.Failures) == 0 && len(r.Unresolved) == 0 && len(r.Orphans) == 0 && len(r.Unreadable) == 0
}

func (r *Report) addUnreadable(errs []chunkstore.ReadError) {
	for _, e := range errs {
		r.Unreadable = append(r.Unreadable, e.Error())
	}
}

// FailureReport is the content of failed_chunks.json.
type FailureReport struct {
	RunID      string           `json:"runId"`
	Library    string           `json:"library"`
	Version    string           `json:"version"`
	Failures   []enrich.Failure `json:"failures"`
	Unresolved []string         `json:"unresolved,omitempty"`
	Orphans    []string         `json:"orphans,omitempty"`
	Unreadable []string         `json:"unreadable,omitempty"`
}

func (r Report) FailureReport() FailureReport {
	failures := r.Failures
	if failures == nil {
		failures = []enrich.Failure{}
	}
	return FailureReport{
		RunID:      r.RunID,
		Library:    r.Library,
		Version:    r.Version,
		Failures:   failures,
		Unresolved: r.Unresolved,
		Orphans:    r.Orphans,
		Unreadable: r.Unreadable,
	}
}
