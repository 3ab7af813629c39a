package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"frame-index-go/internal/config"
	"frame-index-go/internal/model"
	"frame-index-go/pkg/embedding"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorizeSendsImageAndParsesJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` +
			"```json\\n{\\\"topics\\\":[\\\"deploy\\\"],\\\"content_types\\\":[\\\"screen\\\"],\\\"flagged\\\":true,\\\"sensitive_info\\\":\\\"api key\\\"}\\n```" +
			`"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", Model: "vision-mini", MaxTokens: 256})
	cat, err := c.Categorize(context.Background(), "terminal output", &embedding.Image{Data: []byte{1, 2, 3}, MIMEType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy"}, cat.Topics)
	assert.Equal(t, []string{"screen"}, cat.ContentTypes)
	assert.True(t, cat.Flagged)
	assert.Equal(t, "api key", cat.SensitiveInfo)

	assert.Equal(t, "vision-mini", got["model"])
	assert.EqualValues(t, 256, got["max_tokens"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	messages := got["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, DefaultPrompt, messages[0].(map[string]any)["content"])
	parts := messages[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "data:image/png;base64,AQID", parts[0].(map[string]any)["image_url"].(map[string]any)["url"])
	assert.Equal(t, "terminal output", parts[1].(map[string]any)["text"])
}

func TestCategorizeTextOnly(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"topics\":[\"billing\"]}"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL, Model: "m", Prompt: "label it"})
	cat, err := c.Categorize(context.Background(), "invoice 42", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, cat.Topics)
	assert.False(t, cat.Flagged)

	messages := got["messages"].([]any)
	assert.Equal(t, "label it", messages[0].(map[string]any)["content"])
	assert.Equal(t, "invoice 42", messages[1].(map[string]any)["content"])
}

func TestCategorizeErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"not json"}}]}`))
	}))
	defer srv.Close()
	c := NewClient(config.LLMConfig{BaseURL: srv.URL, Model: "m"})

	_, err := c.Categorize(context.Background(), "x", nil)
	assert.ErrorIs(t, err, model.ErrRateLimited)

	status.Store(http.StatusBadGateway)
	_, err = c.Categorize(context.Background(), "x", nil)
	assert.ErrorIs(t, err, model.ErrTransientIO)

	status.Store(http.StatusOK)
	_, err = c.Categorize(context.Background(), "x", nil)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrTransientIO)
}
