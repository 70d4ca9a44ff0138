package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mailroom/internal/httpkit"
)

const exaEndpoint = "https://api.exa.ai/search"

// Exa implements the Provider interface for the Exa search API. Queries
// use automatic search type selection and return highlighted passages
// rather than full page text.
type Exa struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewExa creates an Exa provider.
func NewExa(apiKey string) *Exa {
	return &Exa{
		apiKey:   apiKey,
		endpoint: exaEndpoint,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, time.Second),
		),
	}
}

func (e *Exa) Name() string { return "exa" }

type exaRequest struct {
	Query      string      `json:"query"`
	Type       string      `json:"type"`
	NumResults int         `json:"numResults"`
	Contents   exaContents `json:"contents"`
}

type exaContents struct {
	Highlights bool `json:"highlights"`
}

type exaResponse struct {
	Results []exaResult `json:"results"`
}

type exaResult struct {
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	PublishedDate string   `json:"publishedDate"`
	Author        string   `json:"author"`
	Highlights    []string `json:"highlights"`
	Text          string   `json:"text"`
}

// Search posts the query to Exa. Language is not supported by the API
// and is ignored.
func (e *Exa) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	body, err := json.Marshal(exaRequest{
		Query:      query,
		Type:       "auto",
		NumResults: opts.count(),
		Contents:   exaContents{Highlights: true},
	})
	if err != nil {
		return nil, fmt.Errorf("exa: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("exa: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exa: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("exa: HTTP %d: %s", resp.StatusCode, msg)
	}

	var er exaResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("exa: decode response: %w", err)
	}

	results := make([]Result, 0, len(er.Results))
	for _, r := range er.Results {
		snippet := strings.Join(r.Highlights, " ... ")
		if snippet == "" {
			snippet = r.Text
		}
		results = append(results, newResult(r.Title, r.URL, snippet, r.PublishedDate))
	}
	return results, nil
}
