// Package web is the agents' fallback source: a small set of pages from a
// curated nutrition-guidance site, searched by term overlap.
package web

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/food-agent/backend/pkg/logger"
)

const maxSnippet = 600

type Client struct {
	baseURL    string
	pages      []string
	maxPages   int
	httpClient *http.Client
}

type SearchResult struct {
	Title   string
	URL     string
	Snippet string
	Score   float64
}

func NewClient(baseURL string, pages []string, maxPages int) *Client {
	if maxPages <= 0 || maxPages > len(pages) {
		maxPages = len(pages)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		pages:    pages,
		maxPages: maxPages,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Search ranks the paragraphs of the curated pages against query and
// returns at most maxResults of them. Pages that fail to load are skipped.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	terms := Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	logger.Info("Performing web search", zap.String("query", query), zap.Int("pages", c.maxPages))

	var (
		results []SearchResult
		lastErr error
		fetched int
	)
	for _, page := range c.pages[:c.maxPages] {
		url := c.baseURL + page
		found, err := c.searchPage(ctx, url, terms)
		if err != nil {
			logger.Warn("Failed to scrape page", zap.String("url", url), zap.Error(err))
			lastErr = err
			continue
		}
		fetched++
		results = append(results, found...)
	}
	if fetched == 0 && lastErr != nil {
		return nil, fmt.Errorf("web search failed: %w", lastErr)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}

	logger.Info("Web search completed", zap.Int("results", len(results)))
	return results, nil
}

func (c *Client) searchPage(ctx context.Context, url string, terms map[string]bool) ([]SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "foodqa-agent/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, nav, footer, header").Remove()
	title := strings.TrimSpace(doc.Find("title").First().Text())

	var results []SearchResult
	doc.Find("p, li").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		score := overlap(terms, text)
		if score == 0 {
			return
		}
		if len(text) > maxSnippet {
			text = text[:maxSnippet]
		}
		results = append(results, SearchResult{Title: title, URL: url, Snippet: text, Score: score})
	})
	return results, nil
}

// Terms lowercases query and keeps words of at least three letters.
func Terms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) >= 3 {
			terms[w] = true
		}
	}
	return terms
}

// overlap is the fraction of query terms present in text.
func overlap(terms map[string]bool, text string) float64 {
	present := Terms(text)
	hits := 0
	for t := range terms {
		if present[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
