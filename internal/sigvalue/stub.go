package sigvalue

// StubKey marks a placeholder whose real content lives in other chunk units.
const StubKey = "__chunked__"

// Stub returns {"__chunked__": identity}.
func Stub(identity string) Record {
	return Record{fields: []Field{{Key: StubKey, Value: String(identity)}}}
}

// StubIdentity reports whether v is a stub and returns the identity it points to.
func StubIdentity(v Value) (string, bool) {
	rec, ok := v.(Record)
	if !ok || rec.Len() != 1 {
		return "", false
	}
	return rec.GetString(StubKey)
}

// ContainsStub reports whether a stub occurs anywhere inside v.
func ContainsStub(v Value) bool {
	switch x := v.(type) {
	case Record:
		if _, ok := StubIdentity(x); ok {
			return true
		}
		for _, f := range x.fields {
			if ContainsStub(f.Value) {
				return true
			}
		}
	case Sequence:
		for _, e := range x {
			if ContainsStub(e) {
				return true
			}
		}
	}
	return false
}
