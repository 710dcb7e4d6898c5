package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mcnijman/go-emailaddress"

	"mailfinder/verifier"
)

const (
	defaultCSEURL    = "https://www.googleapis.com/customsearch/v1"
	defaultSearchURL = "https://www.google.com/search"
	defaultMaxHits   = 5
)

// SearchAdvisor looks for public mentions of an address. With an API key and
// engine id it uses the Custom Search JSON API, otherwise it reads the public
// results page.
type SearchAdvisor struct {
	APIKey     string
	EngineID   string
	APIURL     string
	SearchURL  string
	MaxResults int
	Client     *http.Client
}

func NewSearchAdvisor(apiKey, engineID string, client *http.Client) *SearchAdvisor {
	return &SearchAdvisor{
		APIKey:     apiKey,
		EngineID:   engineID,
		APIURL:     defaultCSEURL,
		SearchURL:  defaultSearchURL,
		MaxResults: defaultMaxHits,
		Client:     client,
	}
}

func (s *SearchAdvisor) Name() string { return "web_search" }

type SearchHit struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

func (s *SearchAdvisor) Lookup(ctx context.Context, email string) (verifier.AdvisorySignal, error) {
	sig := verifier.AdvisorySignal{Source: s.Name()}

	var (
		hits     []SearchHit
		mentions int
		method   string
		err      error
	)
	if s.APIKey != "" && s.EngineID != "" {
		method = "custom_search_api"
		hits, mentions, err = s.customSearch(ctx, email)
	} else {
		method = "results_page"
		hits, mentions, err = s.scrape(ctx, email)
	}
	if err != nil {
		return sig, err
	}

	sig.Available = true
	sig.Summary = fmt.Sprintf("%d results, %d exact mentions", len(hits), mentions)
	sig.Data = map[string]any{
		"count":    len(hits),
		"results":  hits,
		"mentions": mentions,
		"method":   method,
	}
	return sig, nil
}

func (s *SearchAdvisor) limit() int {
	if s.MaxResults <= 0 {
		return defaultMaxHits
	}
	return s.MaxResults
}

type cseResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

func (s *SearchAdvisor) customSearch(ctx context.Context, email string) ([]SearchHit, int, error) {
	base := s.APIURL
	if base == "" {
		base = defaultCSEURL
	}
	q := url.Values{}
	q.Set("key", s.APIKey)
	q.Set("cx", s.EngineID)
	q.Set("q", email)
	q.Set("num", strconv.Itoa(s.limit()))

	resp, err := get(ctx, s.Client, base+"?"+q.Encode(), nil, retryServerErrors)
	if err != nil {
		return nil, 0, fmt.Errorf("custom search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("custom search returned status %d", resp.StatusCode)
	}

	var body cseResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, 0, fmt.Errorf("decode custom search response: %w", err)
	}

	var (
		hits []SearchHit
		text strings.Builder
	)
	for _, it := range body.Items {
		if len(hits) == s.limit() {
			break
		}
		hits = append(hits, SearchHit{Title: it.Title, URL: it.Link})
		text.WriteString(it.Title + "\n" + it.Snippet + "\n")
	}
	return hits, countMentions(text.String(), email), nil
}

func (s *SearchAdvisor) scrape(ctx context.Context, email string) ([]SearchHit, int, error) {
	base := s.SearchURL
	if base == "" {
		base = defaultSearchURL
	}
	q := url.Values{}
	q.Set("q", email)
	q.Set("num", strconv.Itoa(s.limit()))

	retryOn := func(status int) bool { return status == http.StatusForbidden || retryServerErrors(status) }
	resp, err := get(ctx, s.Client, base+"?"+q.Encode(), nil, retryOn)
	if err != nil {
		return nil, 0, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, 0, errors.New("search page blocked the request (403)")
	case resp.StatusCode != http.StatusOK:
		return nil, 0, fmt.Errorf("search page returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("parse search page: %w", err)
	}

	var hits []SearchHit
	seen := map[string]bool{}
	doc.Find(`a[href^="/url?"]`).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		u, err := url.Parse(href)
		if err != nil {
			return true
		}
		target := u.Query().Get("q")
		if target == "" || seen[target] {
			return true
		}
		seen[target] = true
		hits = append(hits, SearchHit{Title: strings.TrimSpace(a.Text()), URL: target})
		return len(hits) < s.limit()
	})
	return hits, countMentions(doc.Text(), email), nil
}

// countMentions counts addresses in text equal to email, ignoring case.
func countMentions(text, email string) int {
	n := 0
	for _, found := range emailaddress.Find([]byte(text), false) {
		if strings.EqualFold(found.String(), email) {
			n++
		}
	}
	return n
}
