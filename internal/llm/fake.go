package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"typegraph/internal/sigvalue"
)

// FakeClient answers offline: it echoes the unit it was sent and adds a
// deterministic description to every named item.
type FakeClient struct{}

func NewFakeClient() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Name() string { return "FakeLLM" }
func (f *FakeClient) Close() error { return nil }

func (f *FakeClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := json.Marshal(input)
	if err != nil {
		return nil, NewPermanentError(err)
	}
	rec, err := sigvalue.ParseRecord(in)
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("fake: input is not an object: %w", err))
	}
	items, _ := rec.GetSequence("items")
	out := make(sigvalue.Sequence, len(items))
	for i, it := range items {
		out[i] = describe(it)
	}
	return sigvalue.Marshal(rec.Set("items", out))
}

func describe(v sigvalue.Value) sigvalue.Value {
	r, ok := v.(sigvalue.Record)
	if !ok || r.Has("xaiDescription") {
		return v
	}
	name, ok := r.Name()
	if !ok {
		return v
	}
	return r.Set("xaiDescription", sigvalue.String(name+": synthesized description"))
}

// Step is one scripted answer of a ScriptedClient.
type Step struct {
	Reply string
	Err   error
}

// ScriptedClient replays Steps in order; once they run out it keeps
// returning the last one. Safe for concurrent use.
type ScriptedClient struct {
	mu    sync.Mutex
	steps []Step
	calls int
}

func NewScriptedClient(steps ...Step) *ScriptedClient {
	return &ScriptedClient{steps: steps}
}

func (s *ScriptedClient) Name() string { return "ScriptedLLM" }
func (s *ScriptedClient) Close() error { return nil }

// Calls returns how many requests were made.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *ScriptedClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return nil, ErrInvalidJSON
	}
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	st := s.steps[i]
	if st.Err != nil {
		return nil, st.Err
	}
	return json.RawMessage(st.Reply), nil
}
