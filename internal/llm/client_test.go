package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return NewClient(Config{APIKey: "sk-test", BaseURL: ts.URL + "/", Temperature: 0.7}, nil, zerolog.Nop())
}

func TestRewriteSendsPromptAndReturnsContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.Equal(t, 0.7, req.Temperature)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Contains(t, req.Messages[0].Content, "250 characters")
		assert.Equal(t, "E", req.Messages[1].Content)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Wow! "}}]}`))
	})

	got, err := newTestClient(t, mux).Rewrite(context.Background(), "E")
	require.NoError(t, err)
	assert.Equal(t, "Wow!", got)
}

func TestRewriteUpstreamFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	})

	_, err := newTestClient(t, mux).Rewrite(context.Background(), "E")
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusTooManyRequests, upstream.Status)
	assert.Equal(t, "rate_limited", outcomeOf(err))
}

func TestRewriteNoChoices(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := newTestClient(t, mux).Rewrite(context.Background(), "E")
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestSpeechStreamsBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		var req speechRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tts-1", req.Model)
		assert.Equal(t, "ash", req.Voice)
		assert.Equal(t, "mp3", req.ResponseFormat)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-audio"))
	})

	speech, err := newTestClient(t, mux).Speech(context.Background(), "hello", "")
	require.NoError(t, err)
	defer speech.Body.Close()
	data, err := io.ReadAll(speech.Body)
	require.NoError(t, err)
	assert.Equal(t, "ID3-audio", string(data))
	assert.Equal(t, "audio/mpeg", speech.ContentType)
}

func TestSynthesizeRequestsWAV(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		var req speechRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "wav", req.ResponseFormat)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("RIFF"))
	})

	data, err := newTestClient(t, mux).Synthesize(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data))
}

func TestMissingKey(t *testing.T) {
	c := NewClient(Config{}, nil, zerolog.Nop())
	_, err := c.Rewrite(context.Background(), "E")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	_, err = c.Speech(context.Background(), "t", "mp3")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}
