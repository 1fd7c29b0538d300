package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typegraph/internal/config"
)

const signatures = `{
  "version": "1.4.0",
  "functions": [
    {"name": "parse", "parameters": [{"name": "input", "type": "string"}], "returnType": "Ast"},
    {"name": "print", "parameters": [{"name": "ast", "type": "Ast"}], "returnType": "string"},
    {"name": "walk", "parameters": [{"name": "ast", "type": "Ast"}, {"name": "visit", "type": "Visitor"}], "returnType": "void"}
  ],
  "types": [{"name": "Ast", "type": "{ kind: string }"}],
  "namespaces": [{"name": "nodes", "contents": {"types": [{"name": "Leaf", "type": "{ value: string }"}]}}]
}`

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LLM_PROVIDER", "LLM_MODEL", "GEMINI_API_KEY", "XAI_API_KEY", "xAIKey", "GROQ_API_KEY", "STORE_BACKEND", "WORK_DIR", "CHUNK_MAX_UNIT", "CHUNK_ESTIMATOR", "LOG_FORMAT", "LOG_LEVEL", "R2_ENDPOINT", "R2_ACCESS_KEY_ID", "R2_SECRET_ACCESS_KEY", "R2_BUCKET", "DATABASE_URL"} {
		t.Setenv(k, "")
	}
}

func workDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mini-ast-1.4.0.signatures.json"), []byte(signatures), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mini-ast-1.3.2.signatures.json"), []byte(signatures), 0o644))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	root := newRootCmd(&out, &logs)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	cfgErr := &config.Error{Key: "GEMINI_API_KEY", Msg: "is required"}
	assert.Equal(t, 2, exitCode(cfgErr))
	assert.Equal(t, 2, exitCode(errors.Join(errors.New("other"), cfgErr)))
	assert.Equal(t, 2, exitCode(fmt.Errorf("setup: %w", cfgErr)))
	assert.Equal(t, 1, exitCode(errors.New("read signatures: no such file")))
}

func TestSplitConstraint(t *testing.T) {
	cases := []struct{ in, name, constraint string }{
		{"lodash", "lodash", ""},
		{"lodash@^4", "lodash", "^4"},
		{"@types/node", "@types/node", ""},
		{"@types/node@18.x", "@types/node", "18.x"},
	}
	for _, tc := range cases {
		name, constraint := splitConstraint(tc.in)
		assert.Equal(t, tc.name, name, tc.in)
		assert.Equal(t, tc.constraint, constraint, tc.in)
	}
}

func TestLibs(t *testing.T) {
	cleanEnv(t)
	dir := workDir(t)

	out, err := execute(t, "libs", "--workdir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "mini-ast")
	assert.Contains(t, out, "1.4.0")
	assert.NotContains(t, out, "1.3.2")

	out, err = execute(t, "libs", "--all", "--workdir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "1.3.2")
}

func TestRunWithFakeProvider(t *testing.T) {
	cleanEnv(t)
	dir := workDir(t)

	out, err := execute(t, "run", "--workdir", dir, "--provider", "fake", "--backend", "none", "--estimator", "bytes", "--max-unit", "500", "--workers", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "mini-ast 1.4.0: complete")
	assert.Contains(t, out, "wrote mini-ast-1.4.0.graph.json")

	graph := filepath.Join(dir, finalizedDir, "mini-ast-1.4.0.graph.json")
	data, err := os.ReadFile(graph)
	require.NoError(t, err)
	assert.Contains(t, string(data), "xaiDescription")
	_, err = os.Stat(filepath.Join(dir, "mini-ast-1.4.0", "failed_chunks.json"))
	assert.True(t, os.IsNotExist(err))

	out, err = execute(t, "inspect", graph, "--workdir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "version 1.4.0, 6 entities")
	assert.Contains(t, out, "functions")

	out, err = execute(t, "inspect", "--json", graph, "--workdir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"total": 6`)
}

func TestRunPinnedVersion(t *testing.T) {
	cleanEnv(t)
	dir := workDir(t)

	out, err := execute(t, "run", "mini-ast@~1.3", "--workdir", dir, "--provider", "fake", "--backend", "none")
	require.NoError(t, err)
	assert.Contains(t, out, "mini-ast 1.3.2: complete")

	_, err = execute(t, "run", "mini-ast@>=2", "--workdir", dir, "--provider", "fake", "--backend", "none")
	assert.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestRunNeedsCredentials(t *testing.T) {
	cleanEnv(t)
	dir := workDir(t)

	_, err := execute(t, "run", "--workdir", dir, "--backend", "none")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfig)
	assert.Equal(t, 2, exitCode(err))

	_, err = execute(t, "run", "--workdir", dir, "--provider", "fake")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "R2_ENDPOINT")

	_, err = execute(t, "libs", "--workdir", dir, "--log-level", "loud")
	assert.ErrorIs(t, err, config.ErrConfig)
}

func TestPackThenReassemble(t *testing.T) {
	cleanEnv(t)
	dir := workDir(t)

	_, err := execute(t, "reassemble", "mini-ast", "--workdir", dir)
	require.Error(t, err)

	out, err := execute(t, "pack", "mini-ast", "--workdir", dir, "--estimator", "bytes", "--max-unit", "400")
	require.NoError(t, err)
	assert.Contains(t, out, "mini-ast-1.4.0:")
	assert.Contains(t, out, "0 oversize")

	out, err = execute(t, "pack", "mini-ast", "--workdir", dir, "--estimator", "bytes", "--max-unit", "400")
	require.NoError(t, err)
	assert.Contains(t, out, "0 written")

	out, err = execute(t, "reassemble", "mini-ast", "--workdir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote mini-ast-1.4.0.graph.json")

	data, err := os.ReadFile(filepath.Join(dir, finalizedDir, "mini-ast-1.4.0.graph.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "xaiDescription")
	assert.Contains(t, string(data), `"Leaf"`)
}

func TestEnrichNeedsPackedUnits(t *testing.T) {
	cleanEnv(t)
	dir := workDir(t)
	_, err := execute(t, "enrich", "mini-ast", "--workdir", dir, "--provider", "fake")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run pack first")

	_, err = execute(t, "pack", "mini-ast", "--workdir", dir)
	require.NoError(t, err)
	out, err := execute(t, "enrich", "mini-ast", "--workdir", dir, "--provider", "fake")
	require.NoError(t, err)
	assert.Contains(t, out, "0 failed")
}
