package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSignalFeedSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/signals/source", r.URL.Path)
		assert.Equal(t, "post-1", r.URL.Query().Get("content_id"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"author_accuracy": 80,
			"affiliation":     "verified",
		})
	}))
	defer srv.Close()

	feed := NewSignalFeed(srv.URL, time.Second, zap.NewNop())
	signal, err := feed.Source(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Equal(t, 80, signal.AuthorAccuracy)
	assert.Equal(t, "verified", signal.Affiliation)
}

func TestSignalFeedRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"relation": "primary"})
	}))
	defer srv.Close()

	feed := NewSignalFeed(srv.URL, time.Second, zap.NewNop())
	signal, err := feed.Proximity(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Equal(t, "primary", signal.Relation)
	assert.Equal(t, 2, attempts)
}

func TestSignalFeedNotFoundIsPermanent(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	feed := NewCitationFeed(srv.URL, time.Second, zap.NewNop())
	_, err := feed.Validation(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a 404 is not retried")
}

func TestModerationRoundTrip(t *testing.T) {
	var reopened string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/posts/status":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"author_id": "author-1",
				"flagged":   true,
			})
		case "/v1/posts/reopen":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			reopened = body["post_id"]
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	mod := NewModeration(srv.URL, time.Second, zap.NewNop())
	author, flagged, err := mod.PostStatus(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Equal(t, "author-1", author)
	assert.True(t, flagged)

	require.NoError(t, mod.ReopenForReview(context.Background(), "post-1"))
	assert.Equal(t, "post-1", reopened)
}
