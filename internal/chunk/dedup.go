package chunk

import (
	"strings"

	"typegraph/internal/sigvalue"
)

const docKey = "jsdoc"

// Dedup keeps the first entity seen for each name. When a later duplicate
// carries jsdoc and the kept entity has none, the kept entity takes that
// jsdoc. Items without a name and fragments of a split entity are kept as
// they are; fragments share their entity's name and are folded together only
// at reassembly.
func Dedup(items sigvalue.Sequence) sigvalue.Sequence {
	out := make(sigvalue.Sequence, 0, len(items))
	pos := make(map[string]int, len(items))
	for _, item := range items {
		rec, ok := item.(sigvalue.Record)
		if !ok {
			out = append(out, item)
			continue
		}
		name, named := rec.Name()
		if _, fragment := rec.Get(FragmentKey); !named || fragment {
			out = append(out, item)
			continue
		}
		i, dup := pos[name]
		if !dup {
			pos[name] = len(out)
			out = append(out, rec)
			continue
		}
		kept := out[i].(sigvalue.Record)
		if !HasDoc(kept) && HasDoc(rec) {
			doc, _ := rec.Get(docKey)
			out[i] = kept.Set(docKey, doc)
		}
	}
	return out
}

// HasDoc reports whether rec carries a non-blank jsdoc.
func HasDoc(rec sigvalue.Record) bool {
	v, ok := rec.Get(docKey)
	if !ok {
		return false
	}
	switch x := v.(type) {
	case sigvalue.Scalar:
		if x.IsNull() {
			return false
		}
		s, isStr := x.Str()
		return !isStr || strings.TrimSpace(s) != ""
	case sigvalue.Record:
		return x.Len() > 0
	case sigvalue.Sequence:
		return len(x) > 0
	}
	return false
}

// mergeFragments folds every run of items tagged with the same fragment group
// into the position of its first piece and drops the tag.
func mergeFragments(items sigvalue.Sequence) sigvalue.Sequence {
	out := make(sigvalue.Sequence, 0, len(items))
	pos := map[string]int{}
	for _, item := range items {
		rec, ok := item.(sigvalue.Record)
		if !ok {
			out = append(out, item)
			continue
		}
		group, tagged := rec.GetString(FragmentKey)
		if !tagged {
			out = append(out, item)
			continue
		}
		rec = rec.Delete(FragmentKey)
		if i, seen := pos[group]; seen {
			out[i] = deepMerge(out[i], rec)
			continue
		}
		pos[group] = len(out)
		out = append(out, rec)
	}
	return out
}

// deepMerge unions records field by field and concatenates sequences. For
// anything else the first value wins.
func deepMerge(a, b sigvalue.Value) sigvalue.Value {
	if ar, ok := a.(sigvalue.Record); ok {
		br, ok := b.(sigvalue.Record)
		if !ok {
			return a
		}
		out := ar
		for _, f := range br.Fields() {
			if cur, exists := out.Get(f.Key); exists {
				out = out.Set(f.Key, deepMerge(cur, f.Value))
			} else {
				out = out.Set(f.Key, f.Value)
			}
		}
		return out
	}
	if as, ok := a.(sigvalue.Sequence); ok {
		if bs, ok := b.(sigvalue.Sequence); ok {
			out := make(sigvalue.Sequence, 0, len(as)+len(bs))
			return append(append(out, as...), bs...)
		}
	}
	return a
}
