package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req embedReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		json.NewEncoder(w).Encode(embedResp{Embedding: []float64{float64(len(req.Prompt)), 0.5}})
	}))
	defer srv.Close()

	c := NewEmbedClient(srv.URL, "nomic-embed-text", 2)
	out, err := c.EmbedBatch(context.Background(), []string{"a", "bbb", ""})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0.5}, {3, 0.5}, {0, 0.5}}, out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbedBatch_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewEmbedClient(srv.URL, "missing", 1).EmbedBatch(context.Background(), []string{"q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "model not found")
}

func TestEmbedBatch_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := NewEmbedClient(srv.URL, "m", 0).EmbedBatch(context.Background(), []string{"q"})
	assert.ErrorContains(t, err, "decode")
}

func TestEmbedBatch_Unreachable(t *testing.T) {
	_, err := NewEmbedClient("http://127.0.0.1:1", "m", 1).EmbedBatch(context.Background(), []string{"q"})
	assert.Error(t, err)
}

func TestChatGenerate(t *testing.T) {
	var got chatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(chatResp{Message: chatMessage{Role: "assistant", Content: "None"}, Done: true})
	}))
	defer srv.Close()

	out, err := NewChatClient(srv.URL, "llama3.1:8b", 0.1).Generate(context.Background(), "prompt", "system")
	require.NoError(t, err)
	assert.Equal(t, "None", out)

	assert.Equal(t, "llama3.1:8b", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, chatMessage{Role: "system", Content: "system"}, got.Messages[0])
	assert.Equal(t, chatMessage{Role: "user", Content: "prompt"}, got.Messages[1])
	assert.Equal(t, 0.1, got.Options["temperature"])
}

func TestChatGenerate_NoSystem(t *testing.T) {
	var got chatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(chatResp{Done: true})
	}))
	defer srv.Close()

	_, err := NewChatClient(srv.URL, "m", 0).Generate(context.Background(), "prompt", "")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)
}

func TestChatGenerate_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewChatClient(srv.URL, "m", 0).Generate(context.Background(), "p", "s")
	assert.ErrorContains(t, err, "ollama chat")
}
