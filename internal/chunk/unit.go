// Package chunk turns a signature graph into size-bounded chunk units and
// back. Packing walks sections in canonical order, splitting out oversized
// lists behind stubs and cutting oversized entities into tagged fragments;
// reassembly regroups units, merges fragments, resolves stubs and
// deduplicates every section by name.
package chunk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"typegraph/internal/sigvalue"
)

// FragmentKey tags the pieces of one entity that had to be cut apart.
const FragmentKey = "__fragment__"

var ErrInvalidUnit = errors.New("chunk: invalid unit")

// Unit is one persisted chunk: a run of entities that belong to a single
// section path (and, for nested paths, a single parent).
type Unit struct {
	SectionPath     string
	ParentIdentity  string
	SequenceIndex   int
	TotalInSequence int
	Version         string
	Items           sigvalue.Sequence
	// SourceDigest is set on enriched units to the digest of the unit they
	// were produced from.
	SourceDigest string
}

// StreamIdentity names the ordered stream a unit belongs to. It is also the
// value a stub points at.
func StreamIdentity(sectionPath, parent string) string {
	if parent == "" {
		return sectionPath
	}
	return sectionPath + "@" + parent
}

func (u Unit) Identity() string { return StreamIdentity(u.SectionPath, u.ParentIdentity) }

// Key is unique per unit within one run.
func (u Unit) Key() string { return fmt.Sprintf("%s#%d", u.Identity(), u.SequenceIndex) }

// Record renders the unit in its persisted field order.
func (u Unit) Record() sigvalue.Record {
	var total sigvalue.Value
	if u.TotalInSequence > 0 {
		total = sigvalue.Int(u.TotalInSequence)
	}
	return u.envelope(sigvalue.Int(u.SequenceIndex), total, u.Items)
}

func (u Unit) envelope(seq, total sigvalue.Value, items sigvalue.Sequence) sigvalue.Record {
	fields := []sigvalue.Field{{Key: "sectionPath", Value: sigvalue.String(u.SectionPath)}}
	if u.ParentIdentity != "" {
		fields = append(fields, sigvalue.Field{Key: "parentIdentity", Value: sigvalue.String(u.ParentIdentity)})
	}
	fields = append(fields, sigvalue.Field{Key: "sequenceIndex", Value: seq})
	if total != nil {
		fields = append(fields, sigvalue.Field{Key: "totalInSequence", Value: total})
	}
	if u.Version != "" {
		fields = append(fields, sigvalue.Field{Key: "version", Value: sigvalue.String(u.Version)})
	}
	if u.SourceDigest != "" {
		fields = append(fields, sigvalue.Field{Key: "sourceDigest", Value: sigvalue.String(u.SourceDigest)})
	}
	if items == nil {
		items = sigvalue.Sequence{}
	}
	fields = append(fields, sigvalue.Field{Key: "items", Value: items})
	return sigvalue.NewRecord(fields...)
}

func (u Unit) MarshalJSON() ([]byte, error) { return sigvalue.Marshal(u.Record()) }

func (u *Unit) UnmarshalJSON(data []byte) error {
	rec, err := sigvalue.ParseRecord(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUnit, err)
	}
	parsed, err := UnitFromRecord(rec)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// UnitFromRecord validates and converts a decoded unit document.
func UnitFromRecord(rec sigvalue.Record) (Unit, error) {
	var u Unit
	var ok bool
	if u.SectionPath, ok = rec.GetString("sectionPath"); !ok || u.SectionPath == "" {
		return Unit{}, fmt.Errorf("%w: missing sectionPath", ErrInvalidUnit)
	}
	u.ParentIdentity, _ = rec.GetString("parentIdentity")
	seq, _ := rec.Get("sequenceIndex")
	if u.SequenceIndex, ok = intOf(seq); !ok || u.SequenceIndex < 0 {
		return Unit{}, fmt.Errorf("%w: bad sequenceIndex", ErrInvalidUnit)
	}
	if total, present := rec.Get("totalInSequence"); present {
		u.TotalInSequence, _ = intOf(total)
	}
	u.Version, _ = rec.GetString("version")
	u.SourceDigest, _ = rec.GetString("sourceDigest")
	if u.Items, ok = rec.GetSequence("items"); !ok {
		return Unit{}, fmt.Errorf("%w: items is not a list", ErrInvalidUnit)
	}
	return u, nil
}

func intOf(v sigvalue.Value) (int, bool) {
	s, ok := v.(sigvalue.Scalar)
	if !ok {
		return 0, false
	}
	return s.IntValue()
}

// Digest is a content hash of the unit, excluding SourceDigest.
func (u Unit) Digest() string {
	u.SourceDigest = ""
	b, _ := sigvalue.Marshal(u.Record())
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// IsSectionPath reports whether path names a real graph section: a top-level
// section or a namespace's leaf section. Other paths hold lists split out of
// an entity.
func IsSectionPath(path string) bool {
	head, leaf, nested := strings.Cut(path, ".")
	if !nested {
		return true
	}
	return head == "namespaces" && !strings.Contains(leaf, ".")
}
