package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typegraph/internal/sigvalue"
)

func functionsJSON(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"name":"%s%02d","parameters":[{"name":"x","type":"number"}],"returnType":"void"}`, prefix, i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// unitBudget is the exact budget that lets items fill one unit of the given
// stream.
func unitBudget(est Estimator, path, parent, version string, items sigvalue.Sequence) int {
	u := Unit{SectionPath: path, ParentIdentity: parent, Version: version}
	return est.Cost(u.envelope(sigvalue.Int(metaReserve), sigvalue.Int(metaReserve), items))
}

func unitsFor(units []Unit, identity string) []Unit {
	var out []Unit
	for _, u := range units {
		if u.Identity() == identity {
			out = append(out, u)
		}
	}
	return out
}

func assertWithinBudget(t *testing.T, est Estimator, budget int, res PackResult) {
	t.Helper()
	flagged := map[string]bool{}
	for _, v := range res.Violations {
		flagged[fmt.Sprintf("%s#%d", v.Identity, v.SequenceIndex)] = true
	}
	for _, u := range res.Units {
		if flagged[u.Key()] {
			continue
		}
		assert.LessOrEqual(t, est.Cost(u.Record()), budget, "unit %s", u.Key())
		assert.NotEmpty(t, u.Items, "unit %s", u.Key())
	}
}

func TestPackNamespaceFunctionsRoundTrip(t *testing.T) {
	graph := mustRecord(t, `{"version":"2.0.0","functions":[],"enums":[],"types":[],"classes":[],"constants":[],
		"namespaces":[{"name":"util","contents":{"functions":`+functionsJSON("fn", 12)+`,
		"enums":[],"types":[],"classes":[],"constants":[]},"isExported":true}]}`)

	est := ByteEstimator{}
	nsContents, _ := graph.GetSequence("namespaces")
	contents, _ := nsContents[0].(sigvalue.Record).GetRecord("contents")
	fns, _ := contents.GetSequence("functions")
	budget := unitBudget(est, "namespaces.functions", "util", "2.0.0", fns[:5])

	p := Packer{Estimator: est, Budget: budget}
	res, err := p.Pack(graph)
	require.NoError(t, err)
	assert.Empty(t, res.Violations)
	assertWithinBudget(t, est, budget, res)

	nsUnits := unitsFor(res.Units, "namespaces.functions@util")
	require.Len(t, nsUnits, 3)
	for i, u := range nsUnits {
		assert.Equal(t, "namespaces.functions", u.SectionPath)
		assert.Equal(t, "util", u.ParentIdentity)
		assert.Equal(t, i, u.SequenceIndex)
		assert.Equal(t, 3, u.TotalInSequence)
		assert.Equal(t, "2.0.0", u.Version)
	}
	assert.Len(t, nsUnits[0].Items, 5)
	assert.Len(t, nsUnits[2].Items, 2)

	out := Reassemble(res.Units)
	assert.True(t, out.Complete())
	assert.Equal(t, "2.0.0", out.Version)
	assert.Equal(t, encode(t, graph), encode(t, out.Graph))
}

func TestPackRoundTripWithoutSplitting(t *testing.T) {
	graph := mustRecord(t, `{"version":"1.0.0",
		"functions":`+functionsJSON("f", 7)+`,
		"enums":[{"name":"Color","members":[{"name":"Red","value":"0"}]}],
		"types":[{"name":"Opts","type":"{ a: string }","properties":[{"name":"a","type":"string"}]}],
		"classes":[{"name":"Box","methods":[{"name":"open","parameters":[],"returnType":"void"}],"jsdoc":{"description":"A box."}}],
		"constants":[{"name":"MAX","value":"10"}],
		"namespaces":[
			{"name":"a","contents":{"functions":`+functionsJSON("af", 3)+`,"enums":[],"types":[],"classes":[],"constants":[]}},
			{"name":"b","contents":{"functions":[],"enums":[],"types":[],"classes":[],"constants":[{"name":"K","value":"1"}]}}
		]}`)

	res, err := (&Packer{Estimator: TokenEstimator{Divisor: 4}, Budget: 120}).Pack(graph)
	require.NoError(t, err)
	assert.Empty(t, res.Violations)
	assertWithinBudget(t, TokenEstimator{Divisor: 4}, 120, res)
	assert.Greater(t, len(unitsFor(res.Units, "functions")), 1)

	out := Reassemble(res.Units)
	assert.True(t, out.Complete())
	assert.Equal(t, encode(t, graph), encode(t, out.Graph))
}

func TestPackStubsOutOversizedList(t *testing.T) {
	graph := mustRecord(t, `{"version":"1.0.0","functions":[],"enums":[],"types":[],
		"classes":[{"name":"Big","methods":`+functionsJSON("m", 20)+`,"jsdoc":{"description":"Big class."}}],
		"constants":[],"namespaces":[]}`)

	est := ByteEstimator{}
	budget := 400
	res, err := (&Packer{Estimator: est, Budget: budget}).Pack(graph)
	require.NoError(t, err)
	assert.Empty(t, res.Violations)
	assertWithinBudget(t, est, budget, res)

	classUnits := unitsFor(res.Units, "classes")
	require.Len(t, classUnits, 1)
	require.Len(t, classUnits[0].Items, 1)
	methods, ok := classUnits[0].Items[0].(sigvalue.Record).Get("methods")
	require.True(t, ok)
	id, isStub := sigvalue.StubIdentity(methods)
	require.True(t, isStub)
	assert.Equal(t, "classes.methods@Big", id)
	assert.Greater(t, len(unitsFor(res.Units, "classes.methods@Big")), 1)

	out := Reassemble(res.Units)
	assert.True(t, out.Complete())
	assert.False(t, sigvalue.ContainsStub(out.Graph))
	assert.Equal(t, encode(t, graph), encode(t, out.Graph))
}

func TestPackStubOwnersAreUniquePerOverload(t *testing.T) {
	graph := mustRecord(t, `{"version":"1.0.0","functions":[
		{"name":"over","parameters":`+functionsJSON("p", 8)+`},
		{"name":"over","parameters":`+functionsJSON("q", 8)+`}],
		"enums":[],"types":[],"classes":[],"constants":[],"namespaces":[]}`)

	res, err := (&Packer{Estimator: ByteEstimator{}, Budget: 300}).Pack(graph)
	require.NoError(t, err)
	assert.NotEmpty(t, unitsFor(res.Units, "functions.parameters@over"))
	assert.NotEmpty(t, unitsFor(res.Units, "functions.parameters@over#1"))

	out := Reassemble(res.Units)
	assert.True(t, out.Complete())
	fns, _ := out.Graph.GetSequence("functions")
	require.Len(t, fns, 1, "same-name entities collapse to the first")
	params, _ := fns[0].(sigvalue.Record).GetSequence("parameters")
	assert.Len(t, params, 8)
}

func TestPackFragmentsOversizedEntity(t *testing.T) {
	a, b, c := strings.Repeat("a", 40), strings.Repeat("b", 40), strings.Repeat("c", 40)
	graph := mustRecord(t, `{"version":"1.0.0","functions":[{"name":"f","a":"`+a+`","b":"`+b+`","c":"`+c+`"}],
		"enums":[],"types":[],"classes":[],"constants":[],"namespaces":[]}`)

	est := ByteEstimator{}
	one := mustRecord(t, `{"name":"f","a":"`+a+`","__fragment__":"functions/0"}`)
	budget := unitBudget(est, "functions", "", "1.0.0", sigvalue.Sequence{one}) + 5

	res, err := (&Packer{Estimator: est, Budget: budget}).Pack(graph)
	require.NoError(t, err)
	assert.Empty(t, res.Violations)
	assertWithinBudget(t, est, budget, res)

	units := unitsFor(res.Units, "functions")
	require.Len(t, units, 3)
	for _, u := range units {
		group, ok := u.Items[0].(sigvalue.Record).GetString(FragmentKey)
		require.True(t, ok)
		assert.Equal(t, "functions/0", group)
	}

	out := Reassemble(res.Units)
	assert.Equal(t, encode(t, graph), encode(t, out.Graph))
}

func TestSanitizeKeepsFragmentsSharingAUnit(t *testing.T) {
	graph := mustRecord(t, `{"version":"1.0.0","functions":[{"name":"X","jsdoc":{"description":"`+
		strings.Repeat("d", 250)+`","example":"`+strings.Repeat("e", 60)+`"},"returnType":"void"}]}`)
	res, err := (&Packer{Estimator: ByteEstimator{}, Budget: 400}).Pack(graph)
	require.NoError(t, err)

	shared := false
	for _, u := range unitsFor(res.Units, "functions") {
		shared = shared || len(u.Items) > 1
	}
	require.True(t, shared, "expected two fragments in one unit")

	clean := make([]Unit, 0, len(res.Units))
	for _, u := range res.Units {
		if c, ok := Sanitize(u); ok {
			clean = append(clean, c)
		}
	}
	out := Reassemble(clean)
	assert.True(t, out.Complete())
	assert.Equal(t, encode(t, Reassemble(res.Units).Graph), encode(t, out.Graph))
	assert.Contains(t, encode(t, out.Graph)[0], `"returnType":"void"`)
}

func TestPackFlagsIrreducibleEntity(t *testing.T) {
	long := strings.Repeat("z", 200)
	graph := mustRecord(t, `{"version":"1.0.0","functions":[],"enums":[],"types":[],"classes":[],
		"constants":[{"name":"SMALL","value":"1"},{"name":"C","value":"`+long+`"},{"name":"AFTER","value":"2"}],
		"namespaces":[]}`)

	res, err := (&Packer{Estimator: ByteEstimator{}, Budget: 160}).Pack(graph)
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	v := res.Violations[0]
	assert.Equal(t, "constants", v.Identity)
	assert.Equal(t, "C", v.Name)
	assert.Greater(t, v.Cost, v.Budget)

	units := unitsFor(res.Units, "constants")
	require.Len(t, units, 3)
	assert.Len(t, units[v.SequenceIndex].Items, 1)

	out := Reassemble(res.Units)
	assert.Equal(t, encode(t, graph), encode(t, out.Graph))
}

func TestPackRequiresVersion(t *testing.T) {
	_, err := (&Packer{Estimator: ByteEstimator{}, Budget: 100}).Pack(mustRecord(t, `{"functions":[]}`))
	require.ErrorIs(t, err, ErrMissingVersion)

	_, err = (&Packer{Estimator: ByteEstimator{}}).Pack(mustRecord(t, `{"version":"1"}`))
	require.ErrorIs(t, err, ErrBadBudget)
}

func TestPackIsDeterministic(t *testing.T) {
	graph := mustRecord(t, `{"version":"1.0.0","functions":`+functionsJSON("f", 30)+`,
		"classes":[{"name":"K","methods":`+functionsJSON("m", 12)+`}]}`)
	p := &Packer{Estimator: ByteEstimator{}, Budget: 350}

	first, err := p.Pack(graph)
	require.NoError(t, err)
	second, err := p.Pack(graph)
	require.NoError(t, err)
	require.Len(t, second.Units, len(first.Units))
	for i := range first.Units {
		a, _ := first.Units[i].MarshalJSON()
		b, _ := second.Units[i].MarshalJSON()
		assert.Equal(t, string(a), string(b))
	}
}
