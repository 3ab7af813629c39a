package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"frame-index-go/internal/config"
	"frame-index-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService 模拟嵌入接口，status 决定第 n 次请求（从 1 开始）的返回码。
type fakeService struct {
	calls  atomic.Int32
	status func(n int) int
	dims   int

	mu      sync.Mutex
	auth    []string
	lastReq embeddingRequest
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(f.calls.Add(1))
	var req embeddingRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.lastReq = req
	f.mu.Unlock()

	code := http.StatusOK
	if f.status != nil {
		code = f.status(n)
	}
	if code != http.StatusOK {
		w.WriteHeader(code)
		return
	}
	dims := f.dims
	if dims == 0 {
		dims = 4
	}
	type datum struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	resp := struct {
		Data  []datum        `json:"data"`
		Usage map[string]int `json:"usage"`
	}{Usage: map[string]int{"total_tokens": 7}}
	// 倒序返回，验证客户端按 index 还原顺序
	for i := len(req.Inputs) - 1; i >= 0; i-- {
		vec := make([]float32, dims)
		vec[0] = float32(i + 1)
		resp.Data = append(resp.Data, datum{Embedding: vec, Index: i})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeService) authHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.auth...)
}

func newTestClient(t *testing.T, srv *httptest.Server, keys []string, interval time.Duration, mutate func(*config.EmbeddingConfig)) *RateLimitedClient {
	t.Helper()
	cfg := config.EmbeddingConfig{
		APIKeys:    keys,
		BaseURL:    srv.URL,
		Model:      "test-model",
		Dimensions: 4,
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
		Timeout:    5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, nil, WithMinInterval(interval))
	require.NoError(t, err)
	return c
}

func TestEmbedRateLimitedThenSucceeds(t *testing.T) {
	svc := &fakeService{status: func(n int) int {
		if n == 1 {
			return http.StatusTooManyRequests
		}
		return http.StatusOK
	}}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	c := newTestClient(t, srv, []string{"k0", "k1"}, time.Second, func(cfg *config.EmbeddingConfig) {
		cfg.BaseDelay = time.Second
	})

	start := time.Now()
	vec, err := c.Embed(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "retry with a ready key must not back off")

	assert.Equal(t, []string{"Bearer k0", "Bearer k1"}, svc.authHeaders())
	pool := c.Pool()
	assert.True(t, pool.ReadyAt(0).After(pool.ReadyAt(1)), "rate-limited key must become eligible later than the other key")
}

func TestTwoKeysRunInParallel(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	c := newTestClient(t, srv, []string{"k0", "k1"}, 200*time.Millisecond, nil)

	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := c.Embed(context.Background(), fmt.Sprintf("text %d", i), nil)
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond)
	assert.EqualValues(t, 4, svc.calls.Load())
}

func TestConcurrentCallersNeverShareASlot(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	c := newTestClient(t, srv, []string{"k0"}, 50*time.Millisecond, nil)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Embed(context.Background(), "x", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	// 单个 key 的 4 次调用至少间隔 3 个最小间隔
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestServerErrorIsRetried(t *testing.T) {
	svc := &fakeService{status: func(n int) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	c := newTestClient(t, srv, []string{"k0"}, time.Millisecond, nil)

	_, err := c.Embed(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, svc.calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	svc := &fakeService{status: func(int) int { return http.StatusBadRequest }}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	c := newTestClient(t, srv, []string{"k0"}, time.Millisecond, nil)

	_, err := c.Embed(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, model.ErrInvalid)
	assert.EqualValues(t, 1, svc.calls.Load())
}

func TestRetriesAreBounded(t *testing.T) {
	svc := &fakeService{status: func(int) int { return http.StatusTooManyRequests }}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	c := newTestClient(t, srv, []string{"k0"}, 5*time.Millisecond, func(cfg *config.EmbeddingConfig) {
		cfg.MaxRetries = 2
	})

	_, err := c.Embed(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, model.ErrRateLimited)
	assert.EqualValues(t, 3, svc.calls.Load())
}

func TestEmptyResponseIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[],"usage":{"total_tokens":0}}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv, []string{"k0"}, time.Millisecond, func(cfg *config.EmbeddingConfig) {
		cfg.MaxRetries = 1
	})

	_, err := c.Embed(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, model.ErrTransientIO)
}

func TestEmbedBatchKeepsOrderAndSendsImage(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	c := newTestClient(t, srv, []string{"k0"}, time.Millisecond, nil)

	items := []BatchItem{
		{Texts: []string{"a"}, Image: &Image{Data: []byte{0xff, 0xd8}, MIMEType: "image/png"}},
		{Texts: []string{"b"}},
		{Texts: []string{"c", "d"}},
	}
	vectors, err := c.EmbedBatch(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0])
	}

	svc.mu.Lock()
	req := svc.lastReq
	svc.mu.Unlock()
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, InputTypeDocument, req.InputType)
	require.Len(t, req.Inputs, 3)
	require.Len(t, req.Inputs[0].Content, 2)
	assert.Equal(t, "image_base64", req.Inputs[0].Content[0].Type)
	assert.Contains(t, req.Inputs[0].Content[0].ImageBase64, "data:image/png;base64,")
	assert.Len(t, req.Inputs[2].Content, 2)

	assert.EqualValues(t, 7, c.Usage().TotalTokens)
	assert.EqualValues(t, 1, c.Usage().Requests)
}

func TestEmbedQueryUsesQueryInputType(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	c := newTestClient(t, srv, []string{"k0"}, time.Millisecond, nil)

	_, err := c.EmbedQuery(context.Background(), "where is the cat")
	require.NoError(t, err)
	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, InputTypeQuery, svc.lastReq.InputType)
}

func TestEmptyBatchItemIsInvalid(t *testing.T) {
	srv := httptest.NewServer(&fakeService{})
	defer srv.Close()
	c := newTestClient(t, srv, []string{"k0"}, time.Millisecond, nil)

	_, err := c.EmbedBatch(context.Background(), []BatchItem{{Texts: []string{"  "}}})
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestDimensionMismatchIsInvalid(t *testing.T) {
	svc := &fakeService{dims: 3}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	c := newTestClient(t, srv, []string{"k0"}, time.Millisecond, nil)

	_, err := c.Embed(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, model.ErrInvalid)
	assert.EqualValues(t, 1, svc.calls.Load())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}
