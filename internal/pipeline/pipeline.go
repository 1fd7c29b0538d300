package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc/pool"

	"typegraph/internal/catalog"
	"typegraph/internal/chunk"
	"typegraph/internal/chunkstore"
	"typegraph/internal/enrich"
	"typegraph/internal/llm"
	"typegraph/internal/objstore"
	"typegraph/internal/sigvalue"
	"typegraph/internal/types"
)

// FailureReportName is the run-level artifact listing everything that did
// not make it through cleanly.
const FailureReportName = "failed_chunks.json"

// Options wires a Pipeline to its collaborators.
type Options struct {
	Client llm.LLMClient
	// OpenStore returns the chunk store of one library.
	OpenStore func(lib catalog.Library) (chunkstore.Store, error)
	// Finalized receives "<slug>.graph.json". Nil skips the local copy.
	Finalized chunkstore.Store
	// Objects is the durable destination. Nil disables publishing.
	Objects objstore.Store

	Prompt   string
	Attempts int
	Backoff  time.Duration
}

type Pipeline struct {
	rc   *RunContext
	opts Options
}

func New(rc *RunContext, opts Options) *Pipeline {
	return &Pipeline{rc: rc, opts: opts}
}

func (p *Pipeline) RunContext() *RunContext { return p.rc }

// Packed ----------------------------------------------------------------

type Packed struct {
	Version    string
	Handles    []chunkstore.Handle
	Written    int
	Skipped    int
	Violations []chunk.Violation
}

// Pack splits graph into units and stores them in the chunked stage. Units
// already stored with identical content are left alone. When the new layout
// differs from what is on disk every stage is cleared first, since stale
// units from another budget would otherwise mix into the run.
func (p *Pipeline) Pack(ctx context.Context, st chunkstore.Store, graph sigvalue.Record) (Packed, error) {
	packer := chunk.Packer{Estimator: p.rc.Estimator, Budget: p.rc.Budget, Logger: p.rc.Logger}
	res, err := packer.Pack(graph)
	if err != nil {
		return Packed{}, err
	}
	out := Packed{Version: res.Version, Violations: res.Violations, Handles: make([]chunkstore.Handle, len(res.Units))}
	for i, u := range res.Units {
		out.Handles[i] = chunkstore.HandleFor(u)
	}

	existing, err := st.List(ctx, chunkstore.StageChunked)
	if err != nil {
		return Packed{}, fmt.Errorf("list chunked units: %w", err)
	}
	if len(existing) > 0 && !sameHandles(existing, out.Handles) {
		p.rc.Logger.Info("chunk layout changed, clearing stages", "had", len(existing), "now", len(out.Handles))
		for _, stage := range []chunkstore.Stage{chunkstore.StageChunked, chunkstore.StageSanitized, chunkstore.StageEnriched} {
			if err := st.Reset(ctx, stage); err != nil {
				return Packed{}, fmt.Errorf("reset %s: %w", stage, err)
			}
		}
	}

	for i, u := range res.Units {
		if prev, err := st.Read(ctx, chunkstore.StageChunked, out.Handles[i]); err == nil && prev.Digest() == u.Digest() {
			out.Skipped++
			continue
		}
		if _, err := st.Write(ctx, chunkstore.StageChunked, u); err != nil {
			return Packed{}, fmt.Errorf("write unit %s: %w", u.Key(), err)
		}
		out.Written++
	}
	p.rc.Logger.Info("packed", "units", len(res.Units), "written", out.Written, "unchanged", out.Skipped, "oversize", len(res.Violations))
	return out, nil
}

func sameHandles(a, b []chunkstore.Handle) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// Sanitized -------------------------------------------------------------

type Sanitized struct {
	Handles    []chunkstore.Handle
	Written    int
	Skipped    int
	Discarded  []string
	Unreadable []chunkstore.ReadError
}

// Sanitize cleans every chunked unit into the sanitized stage. Each
// sanitized unit records the digest of its chunked source so reruns can skip
// it. Units left without items are discarded.
func (p *Pipeline) Sanitize(ctx context.Context, st chunkstore.Store, handles []chunkstore.Handle) (Sanitized, error) {
	units, errs := st.ReadAll(ctx, chunkstore.StageChunked, handles)
	out := Sanitized{Unreadable: errs}
	for _, e := range errs {
		p.rc.Logger.Warn("unreadable chunk unit", "handle", string(e.Handle), "error", e.Err)
	}
	for _, u := range units {
		h := chunkstore.HandleFor(u)
		digest := u.Digest()
		if prev, err := st.Read(ctx, chunkstore.StageSanitized, h); err == nil && prev.SourceDigest == digest {
			out.Handles = append(out.Handles, h)
			out.Skipped++
			continue
		}
		clean, ok := chunk.Sanitize(u)
		if !ok {
			p.rc.Logger.Info("unit empty after sanitizing, discarded", "unit", u.Key())
			out.Discarded = append(out.Discarded, u.Key())
			continue
		}
		clean.SourceDigest = digest
		if _, err := st.Write(ctx, chunkstore.StageSanitized, clean); err != nil {
			return out, fmt.Errorf("write sanitized unit %s: %w", u.Key(), err)
		}
		out.Handles = append(out.Handles, h)
		out.Written++
	}
	return out, ctx.Err()
}

// Enriched --------------------------------------------------------------

type Enriched struct {
	// Units holds one unit per readable input in input order: the enriched
	// unit, or the sanitized original when enrichment failed.
	Units      []chunk.Unit
	Enriched   int
	Reused     int
	Salvaged   int
	Failures   []enrich.Failure
	Unreadable []chunkstore.ReadError
}

// Enrich runs every sanitized unit through the model with a bounded worker
// pool. A unit's failure never affects another unit.
func (p *Pipeline) Enrich(ctx context.Context, st chunkstore.Store, handles []chunkstore.Handle) Enriched {
	units, errs := st.ReadAll(ctx, chunkstore.StageSanitized, handles)
	out := Enriched{Unreadable: errs}
	for _, e := range errs {
		p.rc.Logger.Warn("unreadable sanitized unit", "handle", string(e.Handle), "error", e.Err)
	}

	adapter := &enrich.Adapter{
		Client:   p.opts.Client,
		Store:    st,
		Prompt:   p.opts.Prompt,
		Attempts: p.opts.Attempts,
		Backoff:  p.opts.Backoff,
		Logger:   p.rc.Logger,
	}
	outcomes := make([]enrich.Outcome, len(units))
	wp := pool.New().WithMaxGoroutines(p.rc.Workers)
	for i, u := range units {
		wp.Go(func() {
			outcomes[i] = adapter.Enrich(ctx, chunkstore.HandleFor(u), u)
		})
	}
	wp.Wait()

	out.Units = make([]chunk.Unit, len(outcomes))
	for i, o := range outcomes {
		out.Units[i] = o.Unit
		switch {
		case o.Failure != nil:
			out.Failures = append(out.Failures, *o.Failure)
		case o.Skipped:
			out.Reused++
		default:
			out.Enriched++
		}
		if o.Salvaged {
			out.Salvaged++
		}
	}
	p.rc.Logger.Info("enriched", "units", len(units), "enriched", out.Enriched, "reused", out.Reused, "failed", len(out.Failures))
	return out
}

// Collect gathers the best available unit per sanitized handle for a
// reassembly that runs apart from enrichment: the enriched unit when one
// exists for the current content, the sanitized unit otherwise.
func (p *Pipeline) Collect(ctx context.Context, st chunkstore.Store, handles []chunkstore.Handle) ([]chunk.Unit, []chunkstore.ReadError) {
	units, errs := st.ReadAll(ctx, chunkstore.StageSanitized, handles)
	for i, u := range units {
		prev, err := st.Read(ctx, chunkstore.StageEnriched, chunkstore.HandleFor(u))
		if err == nil && prev.SourceDigest == u.Digest() {
			units[i] = prev
		}
	}
	return units, errs
}

// Final -----------------------------------------------------------------

type Final struct {
	Result   chunk.ReassembleResult
	Document []byte
	Stats    types.Stats
	// Problems holds graph invariant violations found in the output, if any.
	Problems error
}

// Reassemble rebuilds the graph and renders it as indented JSON.
func (p *Pipeline) Reassemble(units []chunk.Unit) (Final, error) {
	res := chunk.Reassemble(units)
	for _, id := range res.Unresolved {
		p.rc.Logger.Warn("unresolved placeholder replaced with empty list", "identity", id)
	}
	for _, id := range res.Orphans {
		p.rc.Logger.Warn("orphaned units not placed in graph", "identity", id)
	}
	for _, key := range res.DuplicateUnits {
		p.rc.Logger.Warn("duplicate unit dropped", "unit", key)
	}
	doc, err := sigvalue.MarshalIndent(res.Graph, "", "  ")
	if err != nil {
		return Final{}, fmt.Errorf("encode graph: %w", err)
	}
	g, err := types.Decode(doc)
	if err != nil {
		return Final{}, err
	}
	fin := Final{Result: res, Document: doc, Stats: g.Stats(), Problems: g.Validate()}
	if fin.Problems != nil {
		p.rc.Logger.Warn("reassembled graph has problems", "error", fin.Problems)
	}
	return fin, nil
}

// Publish writes doc to the durable store unless the key already exists.
// It reports whether anything was written.
func (p *Pipeline) Publish(ctx context.Context, key string, doc []byte) (bool, error) {
	if p.opts.Objects == nil {
		return false, nil
	}
	exists, err := p.opts.Objects.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		p.rc.Logger.Info("already published", "key", key)
		return false, nil
	}
	if err := p.opts.Objects.Put(ctx, key, doc); err != nil {
		return false, fmt.Errorf("publish %s: %w", key, err)
	}
	p.rc.Logger.Info("published", "key", key, "size", humanize.Bytes(uint64(len(doc))))
	return true, nil
}

// Run -------------------------------------------------------------------

// Run takes one library from its signature file to a published graph.
// Per-unit problems end up in the report and the failure artifact; only
// setup, input and storage errors are returned. An incomplete run still
// writes its local graph but is not published, so a later run can retry the
// failed units.
func (p *Pipeline) Run(ctx context.Context, lib catalog.Library) (Report, error) {
	log := p.rc.Logger.With("library", lib.Name)
	rep := Report{RunID: p.rc.RunID, Library: lib.Name, Version: lib.Version}

	if p.opts.Objects != nil && lib.Version != "" {
		key := objstore.GraphKey(catalog.SafeName(lib.Name), lib.Version)
		exists, err := p.opts.Objects.Exists(ctx, key)
		if err != nil {
			return rep, fmt.Errorf("check %s: %w", key, err)
		}
		if exists {
			log.Info("already published, skipping", "key", key)
			rep.Skipped = true
			return rep, nil
		}
	}

	graph, err := LoadGraph(lib.Signatures)
	if err != nil {
		return rep, err
	}
	st, err := p.opts.OpenStore(lib)
	if err != nil {
		return rep, fmt.Errorf("open chunk store: %w", err)
	}

	packed, err := p.Pack(ctx, st, graph)
	if err != nil {
		return rep, err
	}
	if rep.Version == "" {
		rep.Version = packed.Version
	}
	rep.Units = len(packed.Handles)
	rep.Violations = packed.Violations

	san, err := p.Sanitize(ctx, st, packed.Handles)
	rep.Discarded = san.Discarded
	rep.addUnreadable(san.Unreadable)
	if err != nil {
		return rep, err
	}

	enr := p.Enrich(ctx, st, san.Handles)
	rep.Enriched, rep.Reused, rep.Salvaged = enr.Enriched, enr.Reused, enr.Salvaged
	rep.Failures = enr.Failures
	rep.addUnreadable(enr.Unreadable)

	fin, err := p.Reassemble(enr.Units)
	if err != nil {
		return rep, err
	}
	rep.Unresolved = fin.Result.Unresolved
	rep.Orphans = fin.Result.Orphans
	rep.DuplicateUnits = fin.Result.DuplicateUnits
	rep.Stats = fin.Stats

	if err := p.writeGraph(ctx, lib, &rep, fin.Document); err != nil {
		return rep, err
	}
	if err := p.writeFailureReport(ctx, st, rep); err != nil {
		return rep, err
	}
	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("run interrupted: %w", err)
	}
	if !rep.Complete() {
		log.Warn("run incomplete, not publishing", "failures", len(rep.Failures), "unresolved", len(rep.Unresolved), "orphans", len(rep.Orphans), "unreadable", len(rep.Unreadable))
		return rep, nil
	}
	key := objstore.GraphKey(catalog.SafeName(lib.Name), rep.Version)
	published, err := p.Publish(ctx, key, fin.Document)
	if err != nil {
		return rep, err
	}
	if published {
		rep.Published = key
	}
	return rep, nil
}

// Assemble rebuilds the library's graph from whatever the stages currently
// hold, preferring enriched units, and writes the local graph. It neither
// calls the model nor publishes.
func (p *Pipeline) Assemble(ctx context.Context, lib catalog.Library) (Report, error) {
	rep := Report{RunID: p.rc.RunID, Library: lib.Name, Version: lib.Version}
	st, err := p.opts.OpenStore(lib)
	if err != nil {
		return rep, fmt.Errorf("open chunk store: %w", err)
	}
	handles, err := st.List(ctx, chunkstore.StageSanitized)
	if err != nil {
		return rep, fmt.Errorf("list sanitized units: %w", err)
	}
	if len(handles) == 0 {
		return rep, fmt.Errorf("no sanitized units for %s", lib.Slug())
	}
	units, errs := p.Collect(ctx, st, handles)
	rep.Units = len(handles)
	rep.addUnreadable(errs)

	fin, err := p.Reassemble(units)
	if err != nil {
		return rep, err
	}
	if rep.Version == "" {
		rep.Version = fin.Result.Version
	}
	rep.Unresolved = fin.Result.Unresolved
	rep.Orphans = fin.Result.Orphans
	rep.DuplicateUnits = fin.Result.DuplicateUnits
	rep.Stats = fin.Stats
	return rep, p.writeGraph(ctx, lib, &rep, fin.Document)
}

// LoadGraph reads and parses a signature graph file.
func LoadGraph(path string) (sigvalue.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sigvalue.Record{}, fmt.Errorf("read signatures: %w", err)
	}
	graph, err := sigvalue.ParseRecord(data)
	if err != nil {
		return sigvalue.Record{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return graph, nil
}

func (p *Pipeline) writeGraph(ctx context.Context, lib catalog.Library, rep *Report, doc []byte) error {
	if p.opts.Finalized == nil {
		return nil
	}
	name := catalog.Library{Name: lib.Name, Version: rep.Version}.Slug() + ".graph.json"
	if err := p.opts.Finalized.WriteFile(ctx, name, doc); err != nil {
		return fmt.Errorf("write finalized graph: %w", err)
	}
	rep.Output = name
	return nil
}

// writeFailureReport writes failed_chunks.json for an incomplete run and
// removes a stale one after a complete run.
func (p *Pipeline) writeFailureReport(ctx context.Context, st chunkstore.Store, rep Report) error {
	if rep.Complete() {
		return st.RemoveFile(ctx, FailureReportName)
	}
	body, err := json.MarshalIndent(rep.FailureReport(), "", "  ")
	if err != nil {
		return err
	}
	if err := st.WriteFile(ctx, FailureReportName, body); err != nil {
		return fmt.Errorf("write failure report: %w", err)
	}
	return nil
}
