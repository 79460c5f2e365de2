package generator

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

func TestHFGenerator_Generate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)

		var req hfRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "prompt", req.Inputs)
		assert.Equal(t, 6, req.Parameters.NumBeams)
		assert.Equal(t, 130, req.Parameters.MaxNewTokens)
		assert.Equal(t, 1, req.Parameters.NumReturnSequences)
		assert.False(t, req.Parameters.DoSample)

		json.NewEncoder(w).Encode([]hfOutput{{GeneratedText: "prompt\nmodel\nanswer"}})
	}))
	defer server.Close()

	g := NewHFGenerator(server.URL, "gemma-7b-test", "")

	result, err := g.Generate(context.Background(), Request{Prompt: "prompt", Params: DefaultDecodingParams()})
	require.NoError(t, err)
	assert.Equal(t, []string{"prompt\nmodel\nanswer"}, result.Sequences)
	assert.Equal(t, "hf", result.Backend)
	assert.Equal(t, "gemma-7b-test", result.Model)
}

func TestHFGenerator_Generate_SingleObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"generated_text": "full text"}`))
	}))
	defer server.Close()

	g := NewHFGenerator(server.URL, "", "")

	result, err := g.Generate(context.Background(), Request{Prompt: "p", Params: DefaultDecodingParams()})
	require.NoError(t, err)
	assert.Equal(t, []string{"full text"}, result.Sequences)
}

func TestHFGenerator_Generate_AllSequences(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req hfRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, 6, req.Parameters.NumReturnSequences)
		json.NewEncoder(w).Encode([]hfOutput{{GeneratedText: "a"}, {GeneratedText: "b"}})
	}))
	defer server.Close()

	g := NewHFGenerator(server.URL, "", "")
	params := DefaultDecodingParams()
	params.ReturnAllSequences = true

	result, err := g.Generate(context.Background(), Request{Prompt: "p", Params: params})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, result.Sequences)
}

func TestHFGenerator_Generate_EmptyList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	g := NewHFGenerator(server.URL, "", "")

	_, err := g.Generate(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrNoSequences)
}

func TestHFGenerator_Generate_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("CUDA out of memory"))
	}))
	defer server.Close()

	g := NewHFGenerator(server.URL, "", "")

	result, err := g.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Error)
}

func TestHFGenerator_Release(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	g := NewHFGenerator(server.URL, "", server.URL+"/empty_cache")
	require.NoError(t, g.Release(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	noop := NewHFGenerator(server.URL, "", "")
	require.NoError(t, noop.Release(context.Background()))
	assert.Equal(t, int32(1), calls.Load(), "no release URL means no request")
}

func TestHFGenerator_IsAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	assert.NoError(t, NewHFGenerator(server.URL, "", "").IsAvailable(context.Background()))
}

func TestOllamaGenerator_Generate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		json.NewDecoder(r.Body).Decode(&req)

		assert.Equal(t, "gemma:7b", req.Model)
		assert.True(t, req.Raw)
		assert.False(t, req.Stream)
		assert.Equal(t, 130, req.Options.NumPredict)

		json.NewEncoder(w).Encode(ollamaResponse{Response: "\nMy name is Rahim.<end_of_turn>"})
	}))
	defer server.Close()

	g := NewOllamaGenerator(server.URL, "")

	result, err := g.Generate(context.Background(), Request{Prompt: "<start_of_turn>model", Params: DefaultDecodingParams()})
	require.NoError(t, err)
	assert.Equal(t, []string{"<start_of_turn>model\nMy name is Rahim.<end_of_turn>"}, result.Sequences)
}

func TestOllamaGenerator_Generate_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	g := NewOllamaGenerator(server.URL, "gemma:7b")

	result, err := g.Generate(context.Background(), Request{Prompt: "p"})
	assert.Error(t, err)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Error)
}

func TestOllamaGenerator_Defaults(t *testing.T) {
	g := NewOllamaGenerator("", "")

	assert.Equal(t, "http://localhost:11434", g.baseURL)
	assert.Equal(t, "ollama", g.Name())
	assert.Equal(t, "gemma:7b", g.Model())
}

func TestDecodingParams_String(t *testing.T) {
	assert.Equal(t, "beams=6,max_new_tokens=130,all=false", DefaultDecodingParams().String())
}
