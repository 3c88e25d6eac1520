// Package analysis is the client for the external prose-quality analysis
// service. Offsets in its results are zero-based character offsets over the
// exact text submitted; whether they still mean anything by the time they
// arrive is the caller's problem (see the editor's overlay).
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Options selects the language and checking mode for one request.
type Options struct {
	Language string
	Mode     string
}

// Match is one finding over the submitted text.
type Match struct {
	Offset       int
	Length       int
	Message      string
	ShortMessage string
	Rule         string
	Replacements []string
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type wireReplacement struct {
	Value string `json:"value"`
}

type wireRule struct {
	ID string `json:"id"`
}

type wireMatch struct {
	Offset       int               `json:"offset"`
	Length       int               `json:"length"`
	Message      string            `json:"message"`
	ShortMessage string            `json:"shortMessage"`
	Rule         wireRule          `json:"rule"`
	Replacements []wireReplacement `json:"replacements"`
}

type wireResponse struct {
	Matches []wireMatch `json:"matches"`
}

// Check submits the text for analysis and returns the service's findings.
func (c *Client) Check(ctx context.Context, text string, opts Options) ([]Match, error) {
	form := url.Values{}
	form.Set("text", text)
	if opts.Language != "" {
		form.Set("language", opts.Language)
	} else {
		form.Set("language", "auto")
	}
	if opts.Mode != "" {
		form.Set("level", opts.Mode)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/check", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}

	matches := make([]Match, 0, len(decoded.Matches))
	for _, m := range decoded.Matches {
		if m.Length <= 0 || m.Offset < 0 {
			continue
		}
		replacements := make([]string, 0, len(m.Replacements))
		for _, r := range m.Replacements {
			replacements = append(replacements, r.Value)
		}
		matches = append(matches, Match{
			Offset:       m.Offset,
			Length:       m.Length,
			Message:      m.Message,
			ShortMessage: m.ShortMessage,
			Rule:         m.Rule.ID,
			Replacements: replacements,
		})
	}
	return matches, nil
}
