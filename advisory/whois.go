package advisory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
	"golang.org/x/net/publicsuffix"

	"mailfinder/verifier"
)

// WhoisAdvisor reports registration data for the address's registrable domain.
type WhoisAdvisor struct {
	// Query returns the raw WHOIS text for a domain.
	Query func(ctx context.Context, domain string) (string, error)
	Now   func() time.Time
}

func NewWhoisAdvisor(timeout time.Duration) *WhoisAdvisor {
	client := whois.NewClient().SetTimeout(timeout)
	return &WhoisAdvisor{
		Query: func(ctx context.Context, domain string) (string, error) {
			type answer struct {
				raw string
				err error
			}
			// The client has no context support; abandon it when ctx ends.
			ch := make(chan answer, 1)
			go func() {
				raw, err := client.Whois(domain)
				ch <- answer{raw, err}
			}()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case a := <-ch:
				return a.raw, a.err
			}
		},
		Now: time.Now,
	}
}

func (w *WhoisAdvisor) Name() string { return "whois" }

func (w *WhoisAdvisor) Lookup(ctx context.Context, email string) (verifier.AdvisorySignal, error) {
	sig := verifier.AdvisorySignal{Source: w.Name()}

	at := strings.LastIndex(email, "@")
	if at < 0 {
		return sig, fmt.Errorf("whois: %q has no domain", email)
	}
	domain := verifier.NormalizeDomain(email[at+1:])
	registrable, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return sig, fmt.Errorf("whois: registrable domain of %s: %w", domain, err)
	}

	raw, err := w.Query(ctx, registrable)
	if err != nil {
		return sig, fmt.Errorf("whois query %s: %w", registrable, err)
	}

	info, err := whoisparser.Parse(raw)
	if errors.Is(err, whoisparser.ErrNotFoundDomain) {
		sig.Available = true
		sig.Summary = registrable + " is not registered"
		sig.Data = map[string]any{"domain": registrable, "registered": false}
		return sig, nil
	}
	if err != nil {
		return sig, fmt.Errorf("parse whois for %s: %w", registrable, err)
	}

	data := map[string]any{"domain": registrable, "registered": true}
	summary := registrable + " is registered"
	if info.Registrar != nil && info.Registrar.Name != "" {
		data["registrar"] = info.Registrar.Name
		summary += " with " + info.Registrar.Name
	}
	if d := info.Domain; d != nil {
		if d.CreatedDate != "" {
			data["created"] = d.CreatedDate
		}
		if d.ExpirationDate != "" {
			data["expires"] = d.ExpirationDate
		}
		if d.CreatedDateInTime != nil {
			now := time.Now
			if w.Now != nil {
				now = w.Now
			}
			days := int(now().Sub(*d.CreatedDateInTime).Hours() / 24)
			data["age_days"] = days
			summary += fmt.Sprintf(", %d days old", days)
		}
	}

	sig.Available = true
	sig.Summary = summary
	sig.Data = data
	return sig, nil
}
