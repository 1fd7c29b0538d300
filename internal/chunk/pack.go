package chunk

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"typegraph/internal/sigvalue"
	"typegraph/internal/types"
)

var (
	ErrMissingVersion = errors.New("chunk: graph has no version")
	ErrBadBudget      = errors.New("chunk: budget must be positive")
)

// AnonymousNamespace is the parent identity used for a namespace without a name.
const AnonymousNamespace = "(anonymous)"

// metaReserve stands in for sequenceIndex and totalInSequence while sizing a
// unit, before the real values are known.
const metaReserve = 99999

// Violation records a unit that is over budget because one entity in it could
// not be reduced any further.
type Violation struct {
	Identity      string `json:"identity"`
	SequenceIndex int    `json:"sequenceIndex"`
	Name          string `json:"name,omitempty"`
	Cost          int    `json:"cost"`
	Budget        int    `json:"budget"`
}

type PackResult struct {
	Version    string
	Units      []Unit
	Violations []Violation
}

// Packer groups the entities of a graph into units whose cost stays within
// Budget.
type Packer struct {
	Estimator Estimator
	Budget    int
	Logger    *slog.Logger
}

// accumulator is the open, not yet persisted unit of a stream. Steps return a
// new accumulator rather than growing the old one.
type accumulator struct {
	items sigvalue.Sequence
}

func (a accumulator) with(v sigvalue.Value) accumulator {
	return accumulator{items: appendElem(a.items, v)}
}

func (a accumulator) empty() bool { return len(a.items) == 0 }

type stream struct {
	path      string
	parent    string
	acc       accumulator
	units     []Unit
	fragments int
	owners    map[string]int
}

func (s *stream) identity() string { return StreamIdentity(s.path, s.parent) }

type packRun struct {
	est        Estimator
	budget     int
	version    string
	log        *slog.Logger
	streams    []*stream
	byID       map[string]*stream
	violations []Violation
}

// Pack splits graph into units. Sections are visited in canonical order; each
// namespace contributes its record (without contents) to "namespaces" and its
// contents to "namespaces.<section>" under the namespace's name.
func (p *Packer) Pack(graph sigvalue.Record) (PackResult, error) {
	version, ok := graph.GetString("version")
	if !ok || version == "" {
		return PackResult{}, ErrMissingVersion
	}
	if p.Budget <= 0 {
		return PackResult{}, ErrBadBudget
	}
	est := p.Estimator
	if est == nil {
		est = TokenEstimator{Divisor: 4}
	}
	log := p.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	run := &packRun{est: est, budget: p.Budget, version: version, log: log, byID: map[string]*stream{}}

	for _, section := range types.LeafSections {
		seq, _ := graph.GetSequence(section)
		run.packItems(section, "", seq)
	}

	namespaces, _ := graph.GetSequence(types.SectionNamespaces)
	for i, item := range namespaces {
		rec, ok := item.(sigvalue.Record)
		if !ok {
			run.add(run.stream(types.SectionNamespaces, ""), item, i)
			continue
		}
		shell := rec
		contents, hasContents := rec.GetRecord("contents")
		if hasContents {
			shell = rec.Delete("contents")
			if extra := withoutLeaves(contents); extra.Len() > 0 {
				shell = rec.Set("contents", extra)
			}
		}
		run.add(run.stream(types.SectionNamespaces, ""), shell, i)

		nsName, named := rec.Name()
		if !named {
			nsName = AnonymousNamespace
		}
		for _, leaf := range types.LeafSections {
			seq, _ := contents.GetSequence(leaf)
			run.packItems(types.SectionNamespaces+"."+leaf, nsName, seq)
		}
	}

	for _, f := range graph.Fields() {
		if f.Key == "version" || types.SectionRank(f.Key) < len(types.Sections) {
			continue
		}
		if seq, ok := f.Value.(sigvalue.Sequence); ok {
			run.packItems(f.Key, "", seq)
			continue
		}
		log.Warn("dropping non-list top-level field", "field", f.Key)
	}

	res := run.finish()
	log.Debug("packed graph", "version", version, "units", len(res.Units), "violations", len(res.Violations))
	return res, nil
}

func withoutLeaves(contents sigvalue.Record) sigvalue.Record {
	out := contents
	for _, leaf := range types.LeafSections {
		out = out.Delete(leaf)
	}
	return out
}

func (r *packRun) stream(path, parent string) *stream {
	id := StreamIdentity(path, parent)
	if s, ok := r.byID[id]; ok {
		return s
	}
	s := &stream{path: path, parent: parent, owners: map[string]int{}}
	r.byID[id] = s
	r.streams = append(r.streams, s)
	return s
}

func (r *packRun) packItems(path, parent string, seq sigvalue.Sequence) {
	if len(seq) == 0 {
		return
	}
	st := r.stream(path, parent)
	for i, item := range seq {
		r.add(st, item, i)
	}
}

// add places one entity into st. An entity too big for a unit of its own has
// its largest lists moved behind stubs first; if that is not enough it is cut
// into fragments; whatever still does not fit is emitted alone and flagged.
func (r *packRun) add(st *stream, item sigvalue.Value, index int) {
	if r.fitsAlone(st, item) {
		r.push(st, item)
		return
	}
	if rec, ok := item.(sigvalue.Record); ok {
		rec = r.stubOut(st, rec, index)
		if r.fitsAlone(st, rec) {
			r.push(st, rec)
			return
		}
		group := fmt.Sprintf("%s/%d", st.identity(), st.fragments)
		parts := SplitFunc(rec, func(v sigvalue.Value) bool { return r.fitsAlone(st, tagFragment(v, group)) })
		if len(parts) > 1 {
			st.fragments++
			for _, part := range parts {
				tagged := tagFragment(part, group)
				if r.fitsAlone(st, tagged) {
					r.push(st, tagged)
				} else {
					r.oversize(st, tagged)
				}
			}
			return
		}
		item = rec
	}
	r.oversize(st, item)
}

func tagFragment(v sigvalue.Value, group string) sigvalue.Value {
	if rec, ok := v.(sigvalue.Record); ok {
		return rec.Set(FragmentKey, sigvalue.String(group))
	}
	return v
}

// stubOut replaces non-empty list fields of rec, largest first, with stubs
// until rec fits a unit alone. The list items are packed into their own
// stream at "<path>.<field>" owned by this entity.
func (r *packRun) stubOut(st *stream, rec sigvalue.Record, index int) sigvalue.Record {
	type candidate struct {
		key  string
		seq  sigvalue.Sequence
		cost int
	}
	var cands []candidate
	for _, f := range rec.Fields() {
		if f.Key == IdentityKey || f.Key == FragmentKey {
			continue
		}
		seq, ok := f.Value.(sigvalue.Sequence)
		if !ok || len(seq) == 0 {
			continue
		}
		cands = append(cands, candidate{key: f.Key, seq: seq, cost: r.est.Cost(seq)})
	}
	if len(cands) == 0 {
		return rec
	}
	slices.SortStableFunc(cands, func(a, b candidate) int { return cmp.Compare(b.cost, a.cost) })

	owner := r.ownerID(st, rec, index)
	out := rec
	for _, c := range cands {
		if r.fitsAlone(st, out) {
			break
		}
		childPath := st.path + "." + c.key
		stub := sigvalue.Stub(StreamIdentity(childPath, owner))
		if r.est.Cost(stub) >= c.cost {
			continue
		}
		out = out.Set(c.key, stub)
		r.packItems(childPath, owner, c.seq)
	}
	return out
}

func (r *packRun) ownerID(st *stream, rec sigvalue.Record, index int) string {
	base, ok := rec.Name()
	if !ok {
		base = fmt.Sprintf("#%d", index)
	}
	if st.parent != "" {
		base = st.parent + "/" + base
	}
	n := st.owners[base]
	st.owners[base] = n + 1
	if n > 0 {
		return fmt.Sprintf("%s#%d", base, n)
	}
	return base
}

func (r *packRun) push(st *stream, item sigvalue.Value) {
	if cand := st.acc.with(item); r.fits(st, cand.items) {
		st.acc = cand
		return
	}
	r.flush(st)
	st.acc = accumulator{}.with(item)
}

func (r *packRun) oversize(st *stream, item sigvalue.Value) {
	r.flush(st)
	st.acc = accumulator{}.with(item)
	v := Violation{
		Identity:      st.identity(),
		SequenceIndex: len(st.units),
		Cost:          r.cost(st, st.acc.items),
		Budget:        r.budget,
	}
	if rec, ok := item.(sigvalue.Record); ok {
		v.Name, _ = rec.Name()
	}
	r.flush(st)
	r.violations = append(r.violations, v)
	r.log.Warn("unit exceeds budget; entity cannot be split further",
		"identity", v.Identity, "sequence_index", v.SequenceIndex, "entity", v.Name,
		"cost", v.Cost, "budget", v.Budget)
}

func (r *packRun) flush(st *stream) {
	if st.acc.empty() {
		return
	}
	st.units = append(st.units, Unit{
		SectionPath:    st.path,
		ParentIdentity: st.parent,
		SequenceIndex:  len(st.units),
		Version:        r.version,
		Items:          st.acc.items,
	})
	st.acc = accumulator{}
}

func (r *packRun) cost(st *stream, items sigvalue.Sequence) int {
	u := Unit{SectionPath: st.path, ParentIdentity: st.parent, Version: r.version}
	return r.est.Cost(u.envelope(sigvalue.Int(metaReserve), sigvalue.Int(metaReserve), items))
}

func (r *packRun) fits(st *stream, items sigvalue.Sequence) bool {
	return r.cost(st, items) <= r.budget
}

func (r *packRun) fitsAlone(st *stream, item sigvalue.Value) bool {
	return r.fits(st, sigvalue.Sequence{item})
}

func (r *packRun) finish() PackResult {
	res := PackResult{Version: r.version, Violations: r.violations}
	for _, st := range r.streams {
		r.flush(st)
		for i := range st.units {
			st.units[i].TotalInSequence = len(st.units)
		}
		res.Units = append(res.Units, st.units...)
	}
	return res
}
