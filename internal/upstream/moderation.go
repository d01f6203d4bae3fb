package upstream

import (
	"context"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Moderation talks to the moderation pipeline. It satisfies
// appeal.ModerationPipeline.
type Moderation struct {
	c *client
}

// NewModeration builds a moderation pipeline client against the given base
// URL.
func NewModeration(baseURL string, timeout time.Duration, log *zap.Logger) *Moderation {
	return &Moderation{c: newClient(baseURL, timeout, log)}
}

// PostStatus reports a post's author and flag state.
func (m *Moderation) PostStatus(ctx context.Context, postID string) (string, bool, error) {
	var payload struct {
		AuthorID string `json:"author_id"`
		Flagged  bool   `json:"flagged"`
	}
	query := url.Values{"post_id": []string{postID}}
	if err := m.c.getJSON(ctx, "/v1/posts/status", query, &payload); err != nil {
		return "", false, err
	}
	return payload.AuthorID, payload.Flagged, nil
}

// ReopenForReview moves an overturned post back into the review queue.
func (m *Moderation) ReopenForReview(ctx context.Context, postID string) error {
	return m.c.postJSON(ctx, "/v1/posts/reopen", map[string]string{"post_id": postID})
}
