package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/mailroom/internal/httpkit"
)

// SearXNG queries a self-hosted SearXNG metasearch instance. SearXNG
// merges several engines, so the same page can come back more than
// once; repeats are dropped and only the first hit for a URL is kept.
type SearXNG struct {
	endpoint   string
	httpClient *http.Client
}

// NewSearXNG creates a SearXNG provider for the instance rooted at
// baseURL, e.g. "http://searx.internal:8080".
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/search",
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, time.Second),
		),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

type searxngResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		Content       string `json:"content"`
		PublishedDate string `json:"publishedDate"`
	} `json:"results"`
}

// Search runs query through the instance's JSON API. The instance
// must have the json output format enabled.
func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	params := url.Values{"q": {query}, "format": {"json"}}
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("searxng: HTTP %d: %s", resp.StatusCode, msg)
	}

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
	}

	limit := opts.count()
	seen := make(map[string]bool)
	var results []Result
	for _, r := range sr.Results {
		if len(results) == limit {
			break
		}
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		results = append(results, newResult(r.Title, r.URL, r.Content, r.PublishedDate))
	}
	return results, nil
}
