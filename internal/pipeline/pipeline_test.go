package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typegraph/internal/catalog"
	"typegraph/internal/chunk"
	"typegraph/internal/chunkstore"
	"typegraph/internal/llm"
	"typegraph/internal/objstore"
	"typegraph/internal/sigvalue"
)

func fn(name string, params ...string) map[string]any {
	ps := make([]any, len(params))
	for i, p := range params {
		ps[i] = map[string]any{"name": p, "type": "string"}
	}
	return map[string]any{"name": name, "parameters": ps, "returnType": "void", "isExported": true}
}

func sampleGraph(t *testing.T) []byte {
	t.Helper()
	var functions, methods, types []any
	for i := 0; i < 8; i++ {
		functions = append(functions, fn(fmt.Sprintf("fn%d", i), "input", "options"))
	}
	for i := 0; i < 6; i++ {
		methods = append(methods, fn(fmt.Sprintf("method%d", i), "value"))
	}
	for i := 0; i < 3; i++ {
		types = append(types, map[string]any{"name": fmt.Sprintf("Type%d", i), "type": "{ id: string }"})
	}
	graph := map[string]any{
		"version":   "2.1.0",
		"functions": functions,
		"classes": []any{
			map[string]any{"name": "Client", "methods": methods, "jsdoc": map[string]any{"description": "HTTP client"}},
			map[string]any{"name": "Server", "methods": methods[:2]},
		},
		"types":     types,
		"enums":     []any{map[string]any{"name": "Mode", "members": []any{map[string]any{"name": "Fast", "value": "0"}}}},
		"constants": []any{map[string]any{"name": "VERSION", "type": "string", "value": "'2.1.0'"}},
		"namespaces": []any{map[string]any{
			"name": "util",
			"contents": map[string]any{
				"functions": []any{fn("clamp", "n", "lo", "hi"), fn("noop")},
				"types":     []any{map[string]any{"name": "Range", "type": "[number, number]"}},
			},
		}},
	}
	b, err := json.Marshal(graph)
	require.NoError(t, err)
	return b
}

// names collects every "name" in v, which covers every entity and parameter.
func names(v sigvalue.Value) []string {
	set := map[string]bool{}
	var walk func(sigvalue.Value)
	walk = func(v sigvalue.Value) {
		switch x := v.(type) {
		case sigvalue.Record:
			if n, ok := x.Name(); ok {
				set[n] = true
			}
			for _, f := range x.Fields() {
				walk(f.Value)
			}
		case sigvalue.Sequence:
			for _, e := range x {
				walk(e)
			}
		}
	}
	walk(v)
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type fixture struct {
	dir       string
	lib       catalog.Library
	objects   *objstore.MemoryStore
	finalized *chunkstore.DiskStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	sig := filepath.Join(dir, "http-kit-2.1.0.signatures.json")
	require.NoError(t, os.WriteFile(sig, sampleGraph(t), 0o644))
	return &fixture{
		dir:       dir,
		lib:       catalog.Library{Name: "http-kit", Version: "2.1.0", Signatures: sig},
		objects:   objstore.NewMemoryStore(),
		finalized: chunkstore.NewDiskStore(filepath.Join(dir, "finalized")),
	}
}

func (f *fixture) store(lib catalog.Library) *chunkstore.DiskStore {
	return chunkstore.NewDiskStore(filepath.Join(f.dir, lib.Slug()))
}

func (f *fixture) pipeline(client llm.LLMClient) *Pipeline {
	rc := NewRunContext(nil, chunk.ByteEstimator{}, 600, 3)
	return New(rc, Options{
		Client:    client,
		OpenStore: func(lib catalog.Library) (chunkstore.Store, error) { return f.store(lib), nil },
		Finalized: f.finalized,
		Objects:   f.objects,
		Attempts:  2,
	})
}

func (f *fixture) output(t *testing.T) sigvalue.Record {
	t.Helper()
	data, err := f.finalized.ReadFile(context.Background(), "http-kit-2.1.0.graph.json")
	require.NoError(t, err)
	rec, err := sigvalue.ParseRecord(data)
	require.NoError(t, err)
	return rec
}

func TestRunPublishesCompleteGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	input, err := sigvalue.ParseRecord(sampleGraph(t))
	require.NoError(t, err)

	rep, err := f.pipeline(llm.NewFakeClient()).Run(ctx, f.lib)
	require.NoError(t, err)
	assert.True(t, rep.Complete())
	assert.Greater(t, rep.Units, 3)
	assert.Empty(t, rep.Violations)
	assert.Equal(t, rep.Units, rep.Enriched)
	assert.Equal(t, "http-kit-2.1.0.graph.json", rep.Published)
	assert.Equal(t, "2.1.0", rep.Stats.Version)

	out := f.output(t)
	assert.Equal(t, names(input), names(out))
	version, _ := out.GetString("version")
	assert.Equal(t, "2.1.0", version)
	assert.False(t, sigvalue.ContainsStub(out))

	functions, _ := out.GetSequence("functions")
	require.Len(t, functions, 8)
	for _, it := range functions {
		assert.True(t, it.(sigvalue.Record).Has("xaiDescription"))
	}

	published, err := f.objects.Get(ctx, rep.Published)
	require.NoError(t, err)
	assert.JSONEq(t, string(mustMarshal(t, out)), string(published))

	_, err = f.store(f.lib).ReadFile(ctx, FailureReportName)
	assert.ErrorIs(t, err, chunkstore.ErrNotFound)

	again, err := f.pipeline(llm.NewFakeClient()).Run(ctx, f.lib)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
}

func TestRunKeepsEveryFragmentOfASplitEntity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := `{"version":"2.1.0","functions":[{"name":"X","jsdoc":{"description":"` + strings.Repeat("d", 250) +
		`","example":"` + strings.Repeat("e", 60) + `"},"returnType":"void"}]}`
	require.NoError(t, os.WriteFile(f.lib.Signatures, []byte(doc), 0o644))

	p := New(NewRunContext(nil, chunk.ByteEstimator{}, 400, 1), Options{
		Client:    llm.NewFakeClient(),
		OpenStore: func(lib catalog.Library) (chunkstore.Store, error) { return f.store(lib), nil },
		Finalized: f.finalized,
		Objects:   f.objects,
		Attempts:  1,
	})
	rep, err := p.Run(ctx, f.lib)
	require.NoError(t, err)
	assert.True(t, rep.Complete())
	assert.Greater(t, rep.Units, 1)

	functions, _ := f.output(t).GetSequence("functions")
	require.Len(t, functions, 1)
	x := functions[0].(sigvalue.Record)
	returnType, _ := x.GetString("returnType")
	assert.Equal(t, "void", returnType)
	jsdoc, ok := x.Get("jsdoc")
	require.True(t, ok)
	assert.True(t, jsdoc.(sigvalue.Record).Has("description"))
	assert.True(t, jsdoc.(sigvalue.Record).Has("example"))
	assert.False(t, x.Has(chunk.FragmentKey))
}

func mustMarshal(t *testing.T, v sigvalue.Value) []byte {
	t.Helper()
	b, err := sigvalue.Marshal(v)
	require.NoError(t, err)
	return b
}

// failingClient permanently fails the units listed and answers the rest
// through the fake client.
type failingClient struct {
	llm.LLMClient
	fail map[string]bool
}

func (c failingClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	if c.fail[llm.UnitFrom(ctx)] {
		return nil, llm.NewPermanentError(errors.New("request rejected"))
	}
	return c.LLMClient.GenerateJSON(ctx, prompt, input)
}

func TestRunKeepsOriginalsOfFailedUnits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	input, err := sigvalue.ParseRecord(sampleGraph(t))
	require.NoError(t, err)

	client := failingClient{LLMClient: llm.NewFakeClient(), fail: map[string]bool{"functions#0": true}}
	rep, err := f.pipeline(client).Run(ctx, f.lib)
	require.NoError(t, err)
	assert.False(t, rep.Complete())
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "functions", rep.Failures[0].Identity)
	assert.Equal(t, 0, rep.Failures[0].SequenceIndex)
	assert.Equal(t, 1, rep.Failures[0].Attempts)
	assert.Empty(t, rep.Published)

	ok, err := f.objects.Exists(ctx, "http-kit-2.1.0.graph.json")
	require.NoError(t, err)
	assert.False(t, ok)

	out := f.output(t)
	assert.Equal(t, names(input), names(out))
	functions, _ := out.GetSequence("functions")
	require.Len(t, functions, 8)
	assert.False(t, functions[0].(sigvalue.Record).Has("xaiDescription"))
	assert.True(t, functions[7].(sigvalue.Record).Has("xaiDescription"))

	data, err := f.store(f.lib).ReadFile(ctx, FailureReportName)
	require.NoError(t, err)
	var report FailureReport
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0].Error, "request rejected")
	assert.Equal(t, rep.RunID, report.RunID)

	// A second run only asks the model about the unit that failed.
	scripted := &countingClient{LLMClient: llm.NewFakeClient()}
	rep2, err := f.pipeline(scripted).Run(ctx, f.lib)
	require.NoError(t, err)
	assert.True(t, rep2.Complete())
	assert.Equal(t, 1, rep2.Enriched)
	assert.Equal(t, rep.Units-1, rep2.Reused)
	assert.Equal(t, 1, scripted.calls)
	assert.Equal(t, "http-kit-2.1.0.graph.json", rep2.Published)

	_, err = f.store(f.lib).ReadFile(ctx, FailureReportName)
	assert.ErrorIs(t, err, chunkstore.ErrNotFound)
}

type countingClient struct {
	llm.LLMClient
	calls int
}

func (c *countingClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	c.calls++
	return c.LLMClient.GenerateJSON(ctx, prompt, input)
}

func TestPackIsIdempotentAndResetsOnLayoutChange(t *testing.T) {
	ctx := context.Background()
	graph, err := sigvalue.ParseRecord(sampleGraph(t))
	require.NoError(t, err)
	st := chunkstore.NewMemoryStore()

	p := New(NewRunContext(nil, chunk.ByteEstimator{}, 600, 1), Options{})
	first, err := p.Pack(ctx, st, graph)
	require.NoError(t, err)
	assert.Equal(t, len(first.Handles), first.Written)
	_, err = p.Sanitize(ctx, st, first.Handles)
	require.NoError(t, err)

	second, err := p.Pack(ctx, st, graph)
	require.NoError(t, err)
	assert.Zero(t, second.Written)
	assert.Equal(t, len(first.Handles), second.Skipped)

	wide := New(NewRunContext(nil, chunk.ByteEstimator{}, 100000, 1), Options{})
	third, err := wide.Pack(ctx, st, graph)
	require.NoError(t, err)
	assert.Less(t, len(third.Handles), len(first.Handles))
	listed, err := st.List(ctx, chunkstore.StageChunked)
	require.NoError(t, err)
	assert.ElementsMatch(t, third.Handles, listed)
	sanitized, err := st.List(ctx, chunkstore.StageSanitized)
	require.NoError(t, err)
	assert.Empty(t, sanitized)
}

func TestSanitizeDiscardsEmptyUnitsAndSkipsDone(t *testing.T) {
	ctx := context.Background()
	st := chunkstore.NewMemoryStore()
	p := New(NewRunContext(nil, nil, 100, 1), Options{})

	empty := chunk.Unit{SectionPath: "constants", Version: "1", Items: sigvalue.Sequence{sigvalue.Null(), sigvalue.NewRecord(sigvalue.Field{Key: "value", Value: sigvalue.String("  ")})}}
	full := chunk.Unit{SectionPath: "functions", Version: "1", Items: sigvalue.Sequence{sigvalue.NewRecord(
		sigvalue.Field{Key: "name", Value: sigvalue.String("f")},
		sigvalue.Field{Key: "returnType", Value: sigvalue.String(" void ")},
		sigvalue.Field{Key: "jsdoc", Value: sigvalue.Null()},
	)}}
	he, err := st.Write(ctx, chunkstore.StageChunked, empty)
	require.NoError(t, err)
	hf, err := st.Write(ctx, chunkstore.StageChunked, full)
	require.NoError(t, err)

	san, err := p.Sanitize(ctx, st, []chunkstore.Handle{he, hf, "missing.0000.json"})
	require.NoError(t, err)
	assert.Equal(t, []string{"constants#0"}, san.Discarded)
	assert.Equal(t, []chunkstore.Handle{hf}, san.Handles)
	assert.Equal(t, 1, san.Written)
	require.Len(t, san.Unreadable, 1)

	u, err := st.Read(ctx, chunkstore.StageSanitized, hf)
	require.NoError(t, err)
	assert.Equal(t, full.Digest(), u.SourceDigest)
	item := u.Items[0].(sigvalue.Record)
	rt, _ := item.GetString("returnType")
	assert.Equal(t, "void", rt)
	assert.False(t, item.Has("jsdoc"))

	again, err := p.Sanitize(ctx, st, []chunkstore.Handle{hf})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Skipped)
	assert.Zero(t, again.Written)
}

func TestEnrichKeepsInputOrderWithWorkers(t *testing.T) {
	ctx := context.Background()
	st := chunkstore.NewMemoryStore()
	var handles []chunkstore.Handle
	for i := 0; i < 12; i++ {
		u := chunk.Unit{SectionPath: "functions", SequenceIndex: i, TotalInSequence: 12, Version: "1", Items: sigvalue.Sequence{
			sigvalue.NewRecord(sigvalue.Field{Key: "name", Value: sigvalue.String(fmt.Sprintf("f%d", i))}),
		}}
		h, err := st.Write(ctx, chunkstore.StageSanitized, u)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	p := New(NewRunContext(nil, nil, 100, 4), Options{Client: llm.NewFakeClient(), Attempts: 1})
	enr := p.Enrich(ctx, st, handles)
	require.Len(t, enr.Units, 12)
	assert.Equal(t, 12, enr.Enriched)
	for i, u := range enr.Units {
		assert.Equal(t, i, u.SequenceIndex)
	}

	units, errs := p.Collect(ctx, st, handles)
	require.Empty(t, errs)
	for _, u := range units {
		assert.NotEmpty(t, u.SourceDigest)
	}
}

func TestRunFailsOnBadInput(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.lib.Signatures, []byte(`{"functions":[]}`), 0o644))
	_, err := f.pipeline(llm.NewFakeClient()).Run(context.Background(), f.lib)
	assert.ErrorIs(t, err, chunk.ErrMissingVersion)

	f.lib.Signatures = filepath.Join(f.dir, "absent.json")
	_, err = f.pipeline(llm.NewFakeClient()).Run(context.Background(), f.lib)
	assert.Error(t, err)
}

func TestAssembleUsesCurrentStages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline(nil)

	_, err := p.Assemble(ctx, f.lib)
	require.Error(t, err)

	graph, err := LoadGraph(f.lib.Signatures)
	require.NoError(t, err)
	st := f.store(f.lib)
	packed, err := p.Pack(ctx, st, graph)
	require.NoError(t, err)
	san, err := p.Sanitize(ctx, st, packed.Handles)
	require.NoError(t, err)

	rep, err := p.Assemble(ctx, f.lib)
	require.NoError(t, err)
	assert.True(t, rep.Complete())
	assert.Equal(t, len(san.Handles), rep.Units)
	assert.Equal(t, "http-kit-2.1.0.graph.json", rep.Output)
	assert.Equal(t, names(graph), names(f.output(t)))

	functions, _ := f.output(t).GetSequence("functions")
	assert.False(t, functions[0].(sigvalue.Record).Has("xaiDescription"))
}
