package enrich

import (
	"errors"
	"strings"

	"typegraph/internal/chunk"
	"typegraph/internal/sigvalue"
)

// ErrReplyShape means the reply parsed but holds no item list.
var ErrReplyShape = errors.New("enrich: reply has no items")

// replyItems finds the item list in a reply. Models answer with the whole
// unit, a bare list, or an object keyed by the section name.
func replyItems(reply sigvalue.Value, sectionPath string) (sigvalue.Sequence, error) {
	switch x := reply.(type) {
	case sigvalue.Sequence:
		return x, nil
	case sigvalue.Record:
		if items, ok := x.GetSequence("items"); ok {
			return items, nil
		}
		leaf := sectionPath[strings.LastIndexByte(sectionPath, '.')+1:]
		if items, ok := x.GetSequence(leaf); ok {
			return items, nil
		}
	}
	return nil, ErrReplyShape
}

// Overlay returns u with fields added from the reply. Existing values,
// stubs, fragment tags, unit metadata and item order are never changed; the
// only replacement allowed is a jsdoc the original left blank.
func Overlay(u chunk.Unit, reply sigvalue.Value) (chunk.Unit, error) {
	items, err := replyItems(reply, u.SectionPath)
	if err != nil {
		return chunk.Unit{}, err
	}
	out := u
	out.Items = overlaySequence(u.Items, items)
	out.SourceDigest = u.Digest()
	return out, nil
}

func overlaySequence(orig, reply sigvalue.Sequence) sigvalue.Sequence {
	byName := map[string][]sigvalue.Record{}
	for _, r := range reply {
		if rec, ok := r.(sigvalue.Record); ok {
			if name, named := rec.Name(); named {
				byName[name] = append(byName[name], rec)
			}
		}
	}
	out := make(sigvalue.Sequence, len(orig))
	for i, item := range orig {
		out[i] = item
		rec, ok := item.(sigvalue.Record)
		if !ok {
			continue
		}
		if _, stub := sigvalue.StubIdentity(rec); stub {
			continue
		}
		var match sigvalue.Record
		found := false
		if name, named := rec.Name(); named {
			if cands := byName[name]; len(cands) > 0 {
				match, found = cands[0], true
				byName[name] = cands[1:]
			}
		} else if i < len(reply) {
			if r, isRec := reply[i].(sigvalue.Record); isRec {
				if _, named := r.Name(); !named {
					match, found = r, true
				}
			}
		}
		if found {
			out[i] = overlayRecord(rec, match)
		}
	}
	return out
}

func overlayRecord(orig, reply sigvalue.Record) sigvalue.Record {
	out := orig
	for _, f := range reply.Fields() {
		switch f.Key {
		case chunk.IdentityKey, chunk.FragmentKey, sigvalue.StubKey:
			continue
		}
		cur, has := orig.Get(f.Key)
		if !has {
			if !blank(f.Value) && !sigvalue.ContainsStub(f.Value) {
				out = out.Set(f.Key, f.Value)
			}
			continue
		}
		if f.Key == "jsdoc" {
			if !chunk.HasDoc(orig) && chunk.HasDoc(reply) && !sigvalue.ContainsStub(f.Value) {
				out = out.Set(f.Key, f.Value)
			}
			continue
		}
		switch c := cur.(type) {
		case sigvalue.Record:
			if _, stub := sigvalue.StubIdentity(c); stub {
				continue
			}
			if r, ok := f.Value.(sigvalue.Record); ok {
				out = out.Set(f.Key, overlayRecord(c, r))
			}
		case sigvalue.Sequence:
			if r, ok := f.Value.(sigvalue.Sequence); ok {
				out = out.Set(f.Key, overlaySequence(c, r))
			}
		}
	}
	return out
}

func blank(v sigvalue.Value) bool {
	s, ok := v.(sigvalue.Scalar)
	if !ok {
		return false
	}
	if s.IsNull() {
		return true
	}
	str, isStr := s.Str()
	return isStr && strings.TrimSpace(str) == ""
}
