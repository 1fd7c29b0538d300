package chunk

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typegraph/internal/sigvalue"
)

func unit(t *testing.T, path, parent string, seq int, version, items string) Unit {
	t.Helper()
	v := mustParse(t, items)
	return Unit{SectionPath: path, ParentIdentity: parent, SequenceIndex: seq, Version: version, Items: v.(sigvalue.Sequence)}
}

func TestReassembleIsOrderIndependent(t *testing.T) {
	graph := mustRecord(t, `{"version":"3.1.0","functions":`+functionsJSON("f", 20)+`,
		"classes":[{"name":"K","methods":`+functionsJSON("m", 15)+`}],
		"namespaces":[{"name":"ns","contents":{"functions":`+functionsJSON("g", 9)+`}}]}`)
	res, err := (&Packer{Estimator: ByteEstimator{}, Budget: 400}).Pack(graph)
	require.NoError(t, err)

	forward := Reassemble(res.Units)
	reversed := slices.Clone(res.Units)
	slices.Reverse(reversed)
	backward := Reassemble(reversed)

	assert.True(t, forward.Complete())
	assert.Equal(t, encode(t, forward.Graph), encode(t, backward.Graph))
}

func TestReassembleVersionFirstWins(t *testing.T) {
	units := []Unit{
		unit(t, "constants", "", 0, "9.9.9", `[{"name":"B"}]`),
		unit(t, "functions", "", 1, "", `[{"name":"b"}]`),
		unit(t, "functions", "", 0, "1.0.0", `[{"name":"a"}]`),
	}
	res := Reassemble(units)
	assert.Equal(t, "1.0.0", res.Version)
	assert.Equal(t,
		`{"version":"1.0.0","functions":[{"name":"a"},{"name":"b"}],"enums":[],"types":[],"classes":[],"constants":[{"name":"B"}],"namespaces":[]}`,
		encode(t, res.Graph)[0])
}

func TestReassembleReportsProblems(t *testing.T) {
	units := []Unit{
		unit(t, "classes", "", 0, "1", `[{"name":"X","methods":{"__chunked__":"classes.methods@X"}}]`),
		unit(t, "functions", "", 0, "1", `[{"name":"a"}]`),
		unit(t, "functions", "", 0, "1", `[{"name":"dup"}]`),
		unit(t, "classes.methods", "Nobody", 0, "1", `[{"name":"m"}]`),
	}
	res := Reassemble(units)

	assert.Equal(t, []string{"classes.methods@X"}, res.Unresolved)
	assert.Equal(t, []string{"classes.methods@Nobody"}, res.Orphans)
	assert.Equal(t, []string{"functions#0"}, res.DuplicateUnits)
	assert.False(t, res.Complete())
	assert.False(t, sigvalue.ContainsStub(res.Graph))

	classes, _ := res.Graph.GetSequence("classes")
	methods, ok := classes[0].(sigvalue.Record).GetSequence("methods")
	require.True(t, ok)
	assert.Empty(t, methods)

	fns, _ := res.Graph.GetSequence("functions")
	assert.Equal(t, []string{`{"name":"a"}`}, encode(t, fns...))
}

func TestReassembleBreaksStubCycles(t *testing.T) {
	units := []Unit{
		unit(t, "classes", "", 0, "1", `[{"name":"X","methods":{"__chunked__":"classes.methods@X"}}]`),
		unit(t, "classes.methods", "X", 0, "1", `[{"name":"m","overloads":{"__chunked__":"classes.methods@X"}}]`),
	}
	res := Reassemble(units)
	assert.Equal(t, []string{"classes.methods@X"}, res.Unresolved)
	assert.False(t, sigvalue.ContainsStub(res.Graph))
}

func TestReassembleNamespaceWithoutShell(t *testing.T) {
	units := []Unit{
		unit(t, "namespaces.functions", "lone", 1, "1", `[{"name":"b"}]`),
		unit(t, "namespaces.functions", "lone", 0, "1", `[{"name":"a"},{"name":"b","jsdoc":"second"}]`),
		unit(t, "namespaces.constants", "lone", 0, "1", `[{"name":"K"}]`),
	}
	res := Reassemble(units)
	assert.True(t, res.Complete())
	ns, _ := res.Graph.GetSequence("namespaces")
	assert.Equal(t, []string{
		`{"name":"lone","contents":{"functions":[{"name":"a"},{"name":"b","jsdoc":"second"}],"enums":[],"types":[],"classes":[],"constants":[{"name":"K"}]}}`,
	}, encode(t, ns...))
}

func TestDedupPatchesMissingDoc(t *testing.T) {
	items := mustParse(t, `[{"name":"a","value":"1"},{"name":"b"},{"name":"a","value":"2","jsdoc":{"description":"doc"}},{"value":"anon"},{"value":"anon"}]`).(sigvalue.Sequence)

	once := Dedup(items)
	assert.Equal(t, []string{
		`{"name":"a","value":"1","jsdoc":{"description":"doc"}}`,
		`{"name":"b"}`,
		`{"value":"anon"}`,
		`{"value":"anon"}`,
	}, encode(t, once...))

	assert.Equal(t, encode(t, once...), encode(t, Dedup(once)...))
}

func TestDedupKeepsFirstWhenNeitherHasDoc(t *testing.T) {
	items := mustParse(t, `[{"name":"a","v":1},{"name":"a","v":2}]`).(sigvalue.Sequence)
	assert.Equal(t, []string{`{"name":"a","v":1}`}, encode(t, Dedup(items)...))

	withDoc := mustParse(t, `[{"name":"a","jsdoc":"kept"},{"name":"a","jsdoc":"ignored"}]`).(sigvalue.Sequence)
	assert.Equal(t, []string{`{"name":"a","jsdoc":"kept"}`}, encode(t, Dedup(withDoc)...))
}

func TestDedupLeavesFragmentsAlone(t *testing.T) {
	items := mustParse(t, `[{"name":"X","jsdoc":"d","__fragment__":"functions/0"},{"name":"X","returnType":"void","__fragment__":"functions/0"}]`).(sigvalue.Sequence)
	assert.Len(t, Dedup(items), 2)
}

func TestSanitize(t *testing.T) {
	u := unit(t, "functions", "", 0, "1", `[
		{"name":"f","returnType":"  string ","jsdoc":null,"note":"","params":[null,{"name":"x","type":" T "},{}]},
		{"name":"g","methods":{"__chunked__":"functions.methods@g"},"extra":{"empty":null}},
		{"name":"f","jsdoc":"doc"},
		{"gone":null}
	]`)

	clean, ok := Sanitize(u)
	require.True(t, ok)
	assert.Equal(t, []string{
		`{"name":"f","returnType":"string","params":[{"name":"x","type":"T"}],"jsdoc":"doc"}`,
		`{"name":"g","methods":{"__chunked__":"functions.methods@g"}}`,
	}, encode(t, clean.Items...))
}

func TestSanitizeKeepsDuplicatesInSplitOutLists(t *testing.T) {
	u := unit(t, "classes.methods", "K", 0, "1", `[{"name":"on","returnType":"void"},{"name":"on","returnType":"this"}]`)
	clean, ok := Sanitize(u)
	require.True(t, ok)
	assert.Len(t, clean.Items, 2)
}

func TestSanitizeDiscardsEmptyUnit(t *testing.T) {
	_, ok := Sanitize(unit(t, "functions", "", 0, "1", `[null,{"a":null},{"b":""}]`))
	assert.False(t, ok)
}

func TestUnitJSON(t *testing.T) {
	u := unit(t, "namespaces.types", "ns", 2, "1.0.0", `[{"name":"T"}]`)
	u.TotalInSequence = 3

	b, err := json.Marshal(u)
	require.NoError(t, err)
	assert.Equal(t, `{"sectionPath":"namespaces.types","parentIdentity":"ns","sequenceIndex":2,"totalInSequence":3,"version":"1.0.0","items":[{"name":"T"}]}`, string(b))

	var back Unit
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, u.Key(), back.Key())
	assert.Equal(t, u.Digest(), back.Digest())

	back.SourceDigest = "abc"
	assert.Equal(t, u.Digest(), back.Digest())

	for _, bad := range []string{`{"items":[]}`, `{"sectionPath":"x","sequenceIndex":-1,"items":[]}`, `{"sectionPath":"x","sequenceIndex":0,"items":{}}`, `[1]`} {
		var v Unit
		assert.ErrorIs(t, json.Unmarshal([]byte(bad), &v), ErrInvalidUnit, bad)
	}
}

func TestIsSectionPath(t *testing.T) {
	assert.True(t, IsSectionPath("functions"))
	assert.True(t, IsSectionPath("namespaces.classes"))
	assert.False(t, IsSectionPath("classes.methods"))
	assert.False(t, IsSectionPath("namespaces.classes.methods"))
}
