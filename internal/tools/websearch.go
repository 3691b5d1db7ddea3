package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// WebSearcher runs web searches for the model when the provider does not
// perform them server-side. Results are reduced to titles and links; result
// snippets are not extracted.
type WebSearcher struct {
	client   *http.Client
	endpoint string
}

// NewWebSearcher builds a searcher against the given search endpoint; an
// empty endpoint uses the default.
func NewWebSearcher(endpoint string) *WebSearcher {
	if endpoint == "" {
		endpoint = "https://html.duckduckgo.com/html/"
	}
	return &WebSearcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		endpoint: endpoint,
	}
}

// Search fetches results for the query and formats them as text for the
// model.
func (s *WebSearcher) Search(ctx context.Context, query string) (string, error) {
	u := s.endpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "coda/0.1")
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("search failed: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	results := extractSearchResults(body)
	if len(results) == 0 {
		return "No results found.", nil
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.title, r.href)
		if i == 7 {
			break
		}
	}
	return b.String(), nil
}

type searchResult struct {
	title string
	href  string
}

// extractSearchResults pulls anchor titles and targets out of the result
// page. The walk keeps only anchors that carry an href and visible text.
func extractSearchResults(body []byte) []searchResult {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	var results []searchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var href, class string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "href":
					href = attr.Val
				case "class":
					class = attr.Val
				}
			}
			if href != "" && strings.Contains(class, "result") {
				title := strings.TrimSpace(nodeText(n))
				if title != "" {
					results = append(results, searchResult{title: title, href: href})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}
