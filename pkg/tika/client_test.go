package tika

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"frame-index-go/internal/config"
	"frame-index-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	var gotType, gotLang, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		gotType = r.Header.Get("Content-Type")
		gotLang = r.Header.Get("X-Tika-OCRLanguage")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte("\n  EXIT 12  \n"))
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL + "/", OCRLang: "eng+chi_sim"})
	text, err := c.ExtractText(context.Background(), strings.NewReader("png-bytes"), "frame_0001.png")
	require.NoError(t, err)
	assert.Equal(t, "EXIT 12", text)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, "eng+chi_sim", gotLang)
	assert.Equal(t, "png-bytes", gotBody)
}

func TestExtractTextServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tesseract crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL})
	_, err := c.ExtractText(context.Background(), strings.NewReader("x"), "frame")
	assert.ErrorIs(t, err, model.ErrTransientIO)
}

func TestDetectMimeType(t *testing.T) {
	assert.Equal(t, "application/octet-stream", detectMimeType("frame"))
	assert.Equal(t, "application/octet-stream", detectMimeType("frame.zzz"))
	assert.Equal(t, "image/jpeg", detectMimeType("frame.jpg"))
}
