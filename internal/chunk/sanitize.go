package chunk

import (
	"strings"

	"typegraph/internal/sigvalue"
)

// Sanitize cleans the items of a unit: strings are trimmed, null and empty
// string fields are dropped, null list elements and records left with no
// fields are removed, and items of a real section are deduplicated by name.
// Stubs, names and fragment tags are kept untouched. The second result is
// false when no items are left, in which case the unit must not be persisted.
func Sanitize(u Unit) (Unit, bool) {
	items := make(sigvalue.Sequence, 0, len(u.Items))
	for _, item := range u.Items {
		if v, keep := clean(item); keep {
			items = append(items, v)
		}
	}
	if IsSectionPath(u.SectionPath) {
		items = Dedup(items)
	}
	u.Items = items
	return u, len(items) > 0
}

func clean(v sigvalue.Value) (sigvalue.Value, bool) {
	switch x := v.(type) {
	case sigvalue.Scalar:
		if x.IsNull() {
			return nil, false
		}
		if s, ok := x.Str(); ok {
			return sigvalue.String(strings.TrimSpace(s)), true
		}
		return x, true
	case sigvalue.Sequence:
		out := make(sigvalue.Sequence, 0, len(x))
		for _, e := range x {
			if cv, keep := clean(e); keep {
				out = append(out, cv)
			}
		}
		return out, true
	case sigvalue.Record:
		if _, ok := sigvalue.StubIdentity(x); ok {
			return x, true
		}
		fields := make([]sigvalue.Field, 0, x.Len())
		for _, f := range x.Fields() {
			if f.Key == IdentityKey || f.Key == FragmentKey {
				fields = append(fields, f)
				continue
			}
			cv, keep := clean(f.Value)
			if !keep || isEmptyString(cv) {
				continue
			}
			fields = append(fields, sigvalue.Field{Key: f.Key, Value: cv})
		}
		if len(fields) == 0 {
			return nil, false
		}
		return sigvalue.NewRecord(fields...), true
	}
	return v, v != nil
}

func isEmptyString(v sigvalue.Value) bool {
	s, ok := v.(sigvalue.Scalar)
	if !ok {
		return false
	}
	str, isStr := s.Str()
	return isStr && str == ""
}
