package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"frame-index-go/internal/config"
	"frame-index-go/internal/model"
	"frame-index-go/internal/pipeline"
	"frame-index-go/internal/repository"
	"frame-index-go/internal/service"
	"frame-index-go/pkg/embedding"
	"frame-index-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubEmbedder struct{}

func (stubEmbedder) vector(text string) []float32 {
	return []float32{1, float32(len(text) % 5), 0.5, 0}
}

func (s stubEmbedder) Embed(_ context.Context, text string, _ *embedding.Image) ([]float32, error) {
	return s.vector(text), nil
}

func (s stubEmbedder) EmbedBatch(_ context.Context, items []embedding.BatchItem) ([][]float32, error) {
	out := make([][]float32, len(items))
	for i, it := range items {
		out[i] = s.vector(strings.Join(it.Texts, " "))
	}
	return out, nil
}

func (s stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return s.vector(text), nil
}

func (stubEmbedder) Model() string { return "stub-model" }

type memImages struct {
	objects map[string][]byte
}

func (m *memImages) Put(_ context.Context, objectName string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	m.objects[objectName] = b
	return err
}

type testEnv struct {
	router *gin.Engine
	jwt    *token.JWTManager
	store  *repository.MemoryVectorStore
	images *memImages
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repository.NewMemoryVectorStore(repository.Options{})
	defaults := config.IngestionConfig{ChunkSize: 500, ChunkOverlap: 50, SimilarityThreshold: 0.7, MaxConcurrent: 2}
	orch := pipeline.New(store, stubEmbedder{}, defaults)
	images := &memImages{objects: map[string][]byte{}}

	ingestSvc := service.NewIngestService(orch, nil, nil)
	searchSvc := service.NewSearchService(store, stubEmbedder{}, "stub-model", nil, config.SearchConfig{DefaultTopK: 10}, nil)
	itemSvc := service.NewItemService(store, nil, nil)
	uploadSvc := service.NewUploadService(images, nil)

	jwt := token.NewJWTManager("secret", 1)
	r := gin.New()
	RegisterRoutes(r, jwt, Handlers{
		Ingest: NewIngestHandler(ingestSvc, nil),
		Upload: NewUploadHandler(uploadSvc, ingestSvc, nil),
		Search: NewSearchHandler(searchSvc, nil),
		Item:   NewItemHandler(itemSvc, nil),
	})
	return &testEnv{router: r, jwt: jwt, store: store, images: images}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := e.jwt.GenerateToken("tester", scopes...)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func frameRequest(name string) gin.H {
	return gin.H{
		"item": gin.H{
			"name":     name,
			"group":    "batch_a",
			"metadata": gin.H{"title": "Sunset over the bay", "camera": "cam-3"},
		},
		"chunk_size":    500,
		"chunk_overlap": 50,
	}
}

func TestIngestEndpoint(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t)

	w, resp := env.do(t, http.MethodPost, "/api/v1/ingest", tok, frameRequest("frame_01.jpg"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result pipeline.Result
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "batch_a_frame_01.jpg", result.ReferenceID)
	assert.Equal(t, pipeline.StateDone, result.Status)
	assert.Equal(t, 1, result.ChunksTotal)
	assert.Equal(t, 2, result.EmbeddingsCreated)
	assert.Empty(t, result.Errors)
}

func TestIngestEndpointRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t)

	w, _ := env.do(t, http.MethodPost, "/api/v1/ingest", "", frameRequest("frame_01.jpg"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/v1/ingest", tok, gin.H{"item": gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := env.do(t, http.MethodPost, "/api/v1/ingest", tok, gin.H{"item": gin.H{"name": "  "}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "failed", resp.Message)

	searchOnly := env.token(t, token.ScopeSearch)
	w, _ = env.do(t, http.MethodPost, "/api/v1/ingest", searchOnly, frameRequest("frame_01.jpg"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestIngestBatchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t)
	items := []gin.H{
		{"name": "frame_01.jpg", "group": "batch_a", "raw_text": "STOP sign at the corner"},
		{"name": "frame_02.jpg", "group": "batch_a", "raw_text": "Speed limit 30"},
		{"name": " ", "group": "batch_a"},
	}

	w, _ := env.do(t, http.MethodPost, "/api/v1/ingest/batch", tok, gin.H{"items": items, "mode": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := env.do(t, http.MethodPost, "/api/v1/ingest/batch", tok, gin.H{"items": items, "mode": "parallel"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var results []pipeline.Result
	require.NoError(t, json.Unmarshal(resp.Data, &results))
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.False(t, results[2].Success)
	assert.Equal(t, "batch_a_frame_02.jpg", results[1].ReferenceID)
}

func TestIngestAsyncWithoutQueue(t *testing.T) {
	env := newTestEnv(t)
	w, _ := env.do(t, http.MethodPost, "/api/v1/ingest/async", env.token(t), gin.H{"items": []gin.H{{"name": "a.jpg"}}})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSearchAndItemEndpoints(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t)
	w, _ := env.do(t, http.MethodPost, "/api/v1/ingest", tok, frameRequest("frame_01.jpg"))
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := env.do(t, http.MethodPost, "/api/v1/search", tok, gin.H{"query": "sunset", "reference_type": "frame", "top_k": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var results []model.SearchResult
	require.NoError(t, json.Unmarshal(resp.Data, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "batch_a_frame_01.jpg", results[0].ReferenceID)
	assert.Equal(t, "stub-model", results[0].ModelName)

	w, _ = env.do(t, http.MethodPost, "/api/v1/search", tok, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = env.do(t, http.MethodGet, "/api/v1/references/batch_a_frame_01.jpg_chunk_0/consistency", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reference_id":"batch_a_frame_01.jpg_chunk_0","consistent":true}`, string(resp.Data))

	w, resp = env.do(t, http.MethodGet, "/api/v1/items/batch_a_frame_01.jpg", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail service.ItemDetail
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	assert.Equal(t, "batch_a_frame_01.jpg", detail.ReferenceID)
	assert.Len(t, detail.Chunks, 1)
	assert.Len(t, detail.Records, 2)

	w, _ = env.do(t, http.MethodDelete, "/api/v1/items/batch_a_frame_01.jpg", tok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := env.token(t, token.ScopeAdmin)
	w, _ = env.do(t, http.MethodDelete, "/api/v1/items/batch_a_frame_01.jpg", admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodGet, "/api/v1/items/batch_a_frame_01.jpg", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = env.do(t, http.MethodDelete, "/api/v1/items/batch_a_frame_01.jpg", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadFrameEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "frame_09.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("group", "batch_b"))
	require.NoError(t, mw.WriteField("metadata", `{"title":"Harbor at night"}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/frames", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.token(t))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, []byte("png-bytes"), env.images.objects["batch_b/frame_09.png"])
	view, err := env.store.GetItem(context.Background(), "batch_b_frame_09.png")
	require.NoError(t, err)
	assert.Equal(t, "batch_b/frame_09.png", view.Item.ImageObject)
	assert.Equal(t, "Harbor at night", view.Metadata.Extra["title"])
}

func TestIngestStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ingest/stream?token=" + env.token(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(frameRequest("frame_01.jpg")))
	var msg struct {
		Type string          `json:"type"`
		Data pipeline.Result `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "result", msg.Type)
	assert.True(t, msg.Data.Success)
	assert.Equal(t, "batch_a_frame_01.jpg", msg.Data.ReferenceID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	var errMsg map[string]any
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, "error", errMsg["type"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(model.ErrInvalid))
	assert.Equal(t, http.StatusNotFound, statusFor(model.ErrNotFound))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(model.ErrRateLimited))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(model.ErrTransientIO))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(service.ErrAsyncDisabled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
