package moderation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyClean(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/moderations", r.URL.Path)
		assert.Equal(t, "Bearer sk-mod", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "un texte banal", body["input"])

		w.Write([]byte(`{"results": [{"flagged": false, "categories": {}}]}`))
	}))
	defer server.Close()

	client, err := NewClient(server.Client(), server.URL, "sk-mod", nil)
	require.NoError(t, err)

	verdict, err := client.Classify(context.Background(), "un texte banal")
	require.NoError(t, err)
	assert.False(t, verdict.Flagged)
	assert.Empty(t, verdict.Reason)
}

func TestClassifyFlaggedPicksFirstCategory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": [{
			"flagged": true,
			"categories": {"violence": true, "harassment": true, "sexual": false}
		}]}`))
	}))
	defer server.Close()

	client, err := NewClient(server.Client(), server.URL, "", nil)
	require.NoError(t, err)

	verdict, err := client.Classify(context.Background(), "texte")
	require.NoError(t, err)
	assert.True(t, verdict.Flagged)
	assert.Equal(t, "harassment", verdict.Reason, "first flagged category in lexical order")
}

func TestClassifyNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(server.Client(), server.URL, "", nil)
	require.NoError(t, err)

	_, err = client.Classify(context.Background(), "texte")
	assert.Error(t, err)
}

func TestClassifyEmptyResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": []}`))
	}))
	defer server.Close()

	client, err := NewClient(server.Client(), server.URL, "", nil)
	require.NoError(t, err)

	_, err = client.Classify(context.Background(), "texte")
	assert.Error(t, err)
}

func TestClassifyTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client, err := NewClient(&http.Client{Timeout: 30 * time.Millisecond}, server.URL, "", nil)
	require.NoError(t, err)

	_, err = client.Classify(context.Background(), "texte")
	assert.Error(t, err)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(nil, "  ", "", nil)
	assert.Error(t, err)
}
