package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"mailfinder/verifier"
)

const defaultHIBPURL = "https://haveibeenpwned.com/api/v3"

// BreachAdvisor reports how many known breaches include the address, using
// the Have I Been Pwned v3 API.
type BreachAdvisor struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func NewBreachAdvisor(apiKey string, client *http.Client) *BreachAdvisor {
	return &BreachAdvisor{APIKey: apiKey, BaseURL: defaultHIBPURL, Client: client}
}

func (b *BreachAdvisor) Name() string { return "hibp" }

type breach struct {
	Name string `json:"Name"`
}

func (b *BreachAdvisor) Lookup(ctx context.Context, email string) (verifier.AdvisorySignal, error) {
	sig := verifier.AdvisorySignal{Source: b.Name()}
	if b.APIKey == "" {
		sig.Summary = "skipped: no HIBP api key"
		return sig, nil
	}

	base := b.BaseURL
	if base == "" {
		base = defaultHIBPURL
	}
	endpoint := fmt.Sprintf("%s/breachedaccount/%s?truncateResponse=true",
		strings.TrimSuffix(base, "/"), url.PathEscape(email))

	header := http.Header{}
	header.Set("hibp-api-key", b.APIKey)
	resp, err := get(ctx, b.Client, endpoint, header, retryServerErrors)
	if err != nil {
		return sig, fmt.Errorf("hibp request: %w", err)
	}
	defer resp.Body.Close()

	var found []breach
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&found); err != nil {
			return sig, fmt.Errorf("decode hibp response: %w", err)
		}
	case http.StatusNotFound:
		// not pwned
	case http.StatusUnauthorized:
		return sig, errors.New("hibp rejected the api key")
	default:
		return sig, fmt.Errorf("hibp returned status %d", resp.StatusCode)
	}

	names := make([]string, 0, len(found))
	for _, f := range found {
		names = append(names, f.Name)
	}
	sig.Available = true
	sig.Summary = fmt.Sprintf("%d known breaches", len(names))
	sig.Data = map[string]any{"count": len(names), "breaches": names}
	return sig, nil
}
