package chunk

import (
	"cmp"
	"slices"
	"strings"

	"typegraph/internal/sigvalue"
	"typegraph/internal/types"
)

// ReassembleResult is the rebuilt graph plus everything that did not fit back
// cleanly.
type ReassembleResult struct {
	Graph   sigvalue.Record
	Version string
	// Unresolved lists stub identities with no units behind them (or that
	// refer back to themselves). Each was replaced with an empty list.
	Unresolved []string
	// Orphans lists stream identities that no section or stub referred to.
	Orphans []string
	// DuplicateUnits lists units dropped because an earlier unit already had
	// the same identity and sequence index.
	DuplicateUnits []string
}

// Complete reports whether every unit found its place and every stub resolved.
func (r ReassembleResult) Complete() bool {
	return len(r.Unresolved) == 0 && len(r.Orphans) == 0
}

type resolveState uint8

const (
	pending resolveState = iota
	resolving
	resolved
)

type rstream struct {
	path     string
	parent   string
	seen     map[int]bool
	items    sigvalue.Sequence
	state    resolveState
	out      sigvalue.Sequence
	consumed bool
}

type reassembler struct {
	streams    map[string]*rstream
	order      []string
	unresolved []string
}

// Reassemble rebuilds a graph from units given in any order. Units of one
// stream are concatenated by sequence index, fragments are merged, stubs are
// resolved recursively and every real section is deduplicated by name. The
// version comes from the first unit, in canonical order, that carries one.
func Reassemble(units []Unit) ReassembleResult {
	var res ReassembleResult
	sorted := slices.Clone(units)
	slices.SortStableFunc(sorted, compareUnits)

	r := &reassembler{streams: map[string]*rstream{}}
	for _, u := range sorted {
		if res.Version == "" && u.Version != "" {
			res.Version = u.Version
		}
		id := u.Identity()
		s, ok := r.streams[id]
		if !ok {
			s = &rstream{path: u.SectionPath, parent: u.ParentIdentity, seen: map[int]bool{}}
			r.streams[id] = s
			r.order = append(r.order, id)
		}
		if s.seen[u.SequenceIndex] {
			res.DuplicateUnits = append(res.DuplicateUnits, u.Key())
			continue
		}
		s.seen[u.SequenceIndex] = true
		s.items = append(s.items, u.Items...)
	}
	for _, s := range r.streams {
		s.items = mergeFragments(s.items)
	}

	graph := sigvalue.NewRecord(sigvalue.Field{Key: "version", Value: sigvalue.String(res.Version)})
	for _, leaf := range types.LeafSections {
		graph = graph.Set(leaf, r.section(leaf))
	}
	graph = graph.Set(types.SectionNamespaces, r.namespaces())

	for _, id := range r.order {
		s := r.streams[id]
		if s.consumed || s.parent != "" || strings.Contains(s.path, ".") {
			continue
		}
		graph = graph.Set(s.path, r.section(id))
	}

	for _, id := range r.order {
		if !r.streams[id].consumed {
			res.Orphans = append(res.Orphans, id)
		}
	}
	res.Graph = graph
	res.Unresolved = r.unresolved
	return res
}

func compareUnits(a, b Unit) int {
	headA, _, _ := strings.Cut(a.SectionPath, ".")
	headB, _, _ := strings.Cut(b.SectionPath, ".")
	return cmp.Or(
		cmp.Compare(types.SectionRank(headA), types.SectionRank(headB)),
		cmp.Compare(a.SectionPath, b.SectionPath),
		cmp.Compare(a.ParentIdentity, b.ParentIdentity),
		cmp.Compare(a.SequenceIndex, b.SequenceIndex),
	)
}

func (r *reassembler) section(id string) sigvalue.Sequence {
	items, ok := r.resolve(id)
	if !ok {
		return sigvalue.Sequence{}
	}
	return Dedup(items)
}

// namespaces rebuilds each namespace from its record in "namespaces" plus
// the "namespaces.<section>" streams that name it as parent. A parent with
// no record of its own gets a bare {name} entry.
func (r *reassembler) namespaces() sigvalue.Sequence {
	list := r.section(types.SectionNamespaces)

	index := map[string]int{}
	for i, item := range list {
		if rec, ok := item.(sigvalue.Record); ok {
			key := namespaceKey(rec)
			if _, dup := index[key]; !dup {
				index[key] = i
			}
		}
	}

	collected := map[string]map[string]sigvalue.Sequence{}
	var extraLeaves []string
	for _, id := range r.order {
		s := r.streams[id]
		head, leaf, nested := strings.Cut(s.path, ".")
		if s.consumed || head != types.SectionNamespaces || !nested || strings.Contains(leaf, ".") || s.parent == "" {
			continue
		}
		items, _ := r.resolve(id)
		if _, ok := index[s.parent]; !ok {
			index[s.parent] = len(list)
			list = append(list, sigvalue.NewRecord(sigvalue.Field{Key: IdentityKey, Value: sigvalue.String(s.parent)}))
		}
		if collected[s.parent] == nil {
			collected[s.parent] = map[string]sigvalue.Sequence{}
		}
		collected[s.parent][leaf] = append(collected[s.parent][leaf], items...)
		if !types.IsLeafSection(leaf) && !slices.Contains(extraLeaves, leaf) {
			extraLeaves = append(extraLeaves, leaf)
		}
	}

	out := make(sigvalue.Sequence, len(list))
	for i, item := range list {
		rec, ok := item.(sigvalue.Record)
		if !ok {
			out[i] = item
			continue
		}
		key := namespaceKey(rec)
		if index[key] != i {
			out[i] = rec
			continue
		}
		contents, _ := rec.GetRecord("contents")
		for _, leaf := range append(slices.Clone(types.LeafSections), extraLeaves...) {
			have, _ := contents.GetSequence(leaf)
			merged := append(slices.Clone(have), collected[key][leaf]...)
			if types.IsLeafSection(leaf) || len(merged) > 0 {
				contents = contents.Set(leaf, Dedup(merged))
			}
		}
		out[i] = rec.InsertAfter(IdentityKey, "contents", contents)
	}
	return out
}

func namespaceKey(rec sigvalue.Record) string {
	if name, ok := rec.Name(); ok {
		return name
	}
	return AnonymousNamespace
}

func (r *reassembler) resolve(id string) (sigvalue.Sequence, bool) {
	s, ok := r.streams[id]
	if !ok {
		return nil, false
	}
	switch s.state {
	case resolved:
		return s.out, true
	case resolving:
		r.unresolved = append(r.unresolved, id)
		return sigvalue.Sequence{}, true
	}
	s.state = resolving
	s.consumed = true
	out := make(sigvalue.Sequence, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, r.resolveValue(item))
	}
	s.out, s.state = out, resolved
	return out, true
}

func (r *reassembler) resolveValue(v sigvalue.Value) sigvalue.Value {
	switch x := v.(type) {
	case sigvalue.Record:
		if id, ok := sigvalue.StubIdentity(x); ok {
			if seq, found := r.resolve(id); found {
				return seq
			}
			r.unresolved = append(r.unresolved, id)
			return sigvalue.Sequence{}
		}
		fields := make([]sigvalue.Field, 0, x.Len())
		for _, f := range x.Fields() {
			fields = append(fields, sigvalue.Field{Key: f.Key, Value: r.resolveValue(f.Value)})
		}
		return sigvalue.NewRecord(fields...)
	case sigvalue.Sequence:
		out := make(sigvalue.Sequence, len(x))
		for i, e := range x {
			out[i] = r.resolveValue(e)
		}
		return out
	}
	return v
}
