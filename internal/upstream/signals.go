package upstream

import (
	"context"
	"net/url"
	"time"

	"github.com/veridian-network/veridian/internal/service/trust"
	"go.uber.org/zap"
)

// SignalFeed reads per-dimension content signals from the signal feed
// service. It satisfies trust.SignalFeed.
type SignalFeed struct {
	c *client
}

// NewSignalFeed builds a signal feed client against the given base URL.
func NewSignalFeed(baseURL string, timeout time.Duration, log *zap.Logger) *SignalFeed {
	return &SignalFeed{c: newClient(baseURL, timeout, log)}
}

func contentQuery(contentID string) url.Values {
	return url.Values{"content_id": []string{contentID}}
}

func (f *SignalFeed) Source(ctx context.Context, contentID string) (trust.SourceSignal, error) {
	var payload struct {
		AuthorAccuracy int    `json:"author_accuracy"`
		Affiliation    string `json:"affiliation"`
	}
	if err := f.c.getJSON(ctx, "/v1/signals/source", contentQuery(contentID), &payload); err != nil {
		return trust.SourceSignal{}, err
	}
	return trust.SourceSignal{AuthorAccuracy: payload.AuthorAccuracy, Affiliation: payload.Affiliation}, nil
}

func (f *SignalFeed) Method(ctx context.Context, contentID string) (trust.MethodSignal, error) {
	var payload struct {
		DisclosedSections int `json:"disclosed_sections"`
		TotalSections     int `json:"total_sections"`
	}
	if err := f.c.getJSON(ctx, "/v1/signals/method", contentQuery(contentID), &payload); err != nil {
		return trust.MethodSignal{}, err
	}
	return trust.MethodSignal{DisclosedSections: payload.DisclosedSections, TotalSections: payload.TotalSections}, nil
}

func (f *SignalFeed) Proximity(ctx context.Context, contentID string) (trust.ProximitySignal, error) {
	var payload struct {
		Relation string `json:"relation"`
	}
	if err := f.c.getJSON(ctx, "/v1/signals/proximity", contentQuery(contentID), &payload); err != nil {
		return trust.ProximitySignal{}, err
	}
	return trust.ProximitySignal{Relation: payload.Relation}, nil
}

func (f *SignalFeed) Temporal(ctx context.Context, contentID string) (trust.TemporalSignal, error) {
	var payload struct {
		DataTimestamp    time.Time `json:"data_timestamp"`
		RelevanceSeconds int64     `json:"relevance_seconds"`
	}
	if err := f.c.getJSON(ctx, "/v1/signals/temporal", contentQuery(contentID), &payload); err != nil {
		return trust.TemporalSignal{}, err
	}
	return trust.TemporalSignal{
		DataTimestamp:   payload.DataTimestamp,
		RelevanceWindow: time.Duration(payload.RelevanceSeconds) * time.Second,
	}, nil
}

// CitationFeed reads corroboration data from the citation store. It
// satisfies trust.CitationFeed.
type CitationFeed struct {
	c *client
}

// NewCitationFeed builds a citation store client against the given base URL.
func NewCitationFeed(baseURL string, timeout time.Duration, log *zap.Logger) *CitationFeed {
	return &CitationFeed{c: newClient(baseURL, timeout, log)}
}

func (f *CitationFeed) Validation(ctx context.Context, contentID string) (trust.ValidationSignal, error) {
	var payload struct {
		Corroborating  int      `json:"corroborating"`
		Contradictions []string `json:"contradictions"`
	}
	if err := f.c.getJSON(ctx, "/v1/citations/validation", contentQuery(contentID), &payload); err != nil {
		return trust.ValidationSignal{}, err
	}
	return trust.ValidationSignal{Corroborating: payload.Corroborating, Contradictions: payload.Contradictions}, nil
}
