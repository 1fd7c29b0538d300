package chunk

import "typegraph/internal/sigvalue"

// IdentityKey is the record field copied into every fragment of a split record.
const IdentityKey = "name"

// FitFunc reports whether a candidate fragment is within budget. Callers that
// wrap fragments in an envelope (a chunk unit, a parent record) measure the
// envelope so the bound holds for what is actually persisted.
type FitFunc func(v sigvalue.Value) bool

// Splitter cuts oversized values into fragments that fit a budget.
type Splitter struct {
	Estimator Estimator
}

// Split returns fragments of v whose cost is at most budget.
func (s Splitter) Split(v sigvalue.Value, budget int) []sigvalue.Value {
	return SplitFunc(v, func(x sigvalue.Value) bool { return s.Estimator.Cost(x) <= budget })
}

// SplitFunc splits v until every fragment satisfies fits. Sequences are cut
// into consecutive runs. Records are cut into records that each repeat the
// identity key; a field that cannot fit even alone has its value split in
// turn. A value that cannot be reduced (a scalar, or a compound whose only
// part is too big) comes back unchanged as a single fragment, so the caller
// must check the result. The output depends only on v and fits.
func SplitFunc(v sigvalue.Value, fits FitFunc) []sigvalue.Value {
	if fits(v) {
		return []sigvalue.Value{v}
	}
	var out []sigvalue.Value
	switch x := v.(type) {
	case sigvalue.Sequence:
		out = splitSequence(x, fits)
	case sigvalue.Record:
		out = splitRecord(x, fits)
	}
	if len(out) == 0 {
		return []sigvalue.Value{v}
	}
	return out
}

func splitSequence(seq sigvalue.Sequence, fits FitFunc) []sigvalue.Value {
	var out []sigvalue.Value
	var cur sigvalue.Sequence
	for _, elem := range seq {
		cand := appendElem(cur, elem)
		if fits(cand) {
			cur = cand
			continue
		}
		if len(cur) > 0 {
			out = append(out, cur)
			cur = nil
		}
		if alone := (sigvalue.Sequence{elem}); fits(alone) {
			cur = alone
			continue
		}
		parts := SplitFunc(elem, func(p sigvalue.Value) bool { return fits(sigvalue.Sequence{p}) })
		for _, p := range parts {
			out = append(out, sigvalue.Sequence{p})
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func splitRecord(rec sigvalue.Record, fits FitFunc) []sigvalue.Value {
	base := rec.Only(IdentityKey)
	var out []sigvalue.Value
	cur, curHasData := base, false
	for _, f := range rec.Fields() {
		if f.Key == IdentityKey {
			continue
		}
		if cand := cur.Set(f.Key, f.Value); fits(cand) {
			cur, curHasData = cand, true
			continue
		}
		if curHasData {
			out = append(out, cur)
			cur, curHasData = base, false
		}
		if alone := base.Set(f.Key, f.Value); fits(alone) {
			cur, curHasData = alone, true
			continue
		}
		key := f.Key
		parts := SplitFunc(f.Value, func(p sigvalue.Value) bool { return fits(base.Set(key, p)) })
		for _, p := range parts {
			out = append(out, base.Set(key, p))
		}
	}
	if curHasData {
		out = append(out, cur)
	}
	return out
}

func appendElem(seq sigvalue.Sequence, v sigvalue.Value) sigvalue.Sequence {
	out := make(sigvalue.Sequence, len(seq), len(seq)+1)
	copy(out, seq)
	return append(out, v)
}
