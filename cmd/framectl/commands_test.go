package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"frame-index-go/internal/pipeline"
	"frame-index-go/pkg/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbeddings 模拟 /multimodalembeddings，每个输入返回同一个 4 维向量。
func fakeEmbeddings(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/multimodalembeddings") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Inputs []json.RawMessage `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data := make([]map[string]any, len(req.Inputs))
		for i := range req.Inputs {
			data[i] = map[string]any{"embedding": []float32{1, 0, 0, 0}, "index": i}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":  data,
			"usage": map[string]int{"total_tokens": len(req.Inputs)},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, embeddingURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`database:
  driver: sqlite
  dsn: "file:%s"
jwt:
  secret: "cli-test-secret"
  token_expire_hours: 1
embedding:
  api_keys: ["k1"]
  base_url: "%s"
  model: "test-model"
  dimensions: 4
  requests_per_minute: 60000
  max_retries: 1
`, filepath.Join(dir, "frames.db"), embeddingURL)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"ingest", "search", "check", "token"} {
		assert.Contains(t, out, sub)
	}
}

func TestTokenCommand(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1")

	out, err := execute(t, "--config", cfgPath, "token", "--subject", "indexer", "--scope", "admin")
	require.NoError(t, err)

	claims, err := token.NewJWTManager("cli-test-secret", 1).VerifyToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "indexer", claims.Subject)
	assert.True(t, claims.HasScope(token.ScopeSearch))
}

func TestTokenRequiresSubject(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1")
	_, err := execute(t, "--config", cfgPath, "token")
	assert.Error(t, err)
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()

	arrayPath := filepath.Join(dir, "array.json")
	require.NoError(t, os.WriteFile(arrayPath, []byte(` [{"name":"a.jpg","group":"g"}]`), 0o644))
	m, err := readManifest(arrayPath)
	require.NoError(t, err)
	require.Len(t, m.Items, 1)
	assert.Equal(t, "g_a.jpg", m.Items[0].ReferenceID())

	objPath := filepath.Join(dir, "obj.json")
	require.NoError(t, os.WriteFile(objPath, []byte(`{"items":[{"name":"b.jpg"}],"mode":"parallel","max_concurrent":3}`), 0o644))
	m, err = readManifest(objPath)
	require.NoError(t, err)
	require.Len(t, m.Items, 1)
	assert.True(t, m.Parallel())
	assert.Equal(t, 3, m.MaxConcurrent)

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{"items":`), 0o644))
	_, err = readManifest(badPath)
	assert.Error(t, err)
}

func TestIngestSearchCheck(t *testing.T) {
	srv := fakeEmbeddings(t)
	cfgPath := writeConfig(t, srv.URL)

	manifestPath := filepath.Join(t.TempDir(), "frames.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`[
  {"name":"a.jpg","group":"g","raw_text":"a cat sitting on a mat"},
  {"name":"b.jpg","group":"g","raw_text":"a dog in the park"}
]`), 0o644))

	out, err := execute(t, "--config", cfgPath, "ingest", "--manifest", manifestPath, "--parallel", "--max-concurrent", "2")
	require.NoError(t, err)

	var results []pipeline.Result
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, r.Errors)
		assert.Equal(t, pipeline.StateDone, r.Status)
	}

	out, err = execute(t, "--config", cfgPath, "check", "g_a.jpg", "g_b.jpg")
	require.NoError(t, err)
	assert.Contains(t, out, "g_a.jpg\tconsistent")
	assert.Contains(t, out, "g_b.jpg\tconsistent")

	out, err = execute(t, "--config", cfgPath, "check", "g_a.jpg", "g_missing.jpg")
	assert.Error(t, err)
	assert.Contains(t, out, "g_missing.jpg\tinconsistent")

	out, err = execute(t, "--config", cfgPath, "search", "--vector", "[1,0,0,0]", "--type", "frame", "--json")
	require.NoError(t, err)
	var hits []struct {
		ReferenceID string `json:"reference_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	refs := make([]string, 0, len(hits))
	for _, h := range hits {
		refs = append(refs, h.ReferenceID)
	}
	assert.ElementsMatch(t, []string{"g_a.jpg", "g_b.jpg"}, refs)
}

func TestIngestRequiresInput(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1")
	_, err := execute(t, "--config", cfgPath, "ingest")
	assert.Error(t, err)
}
