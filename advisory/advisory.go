// Package advisory holds the optional reputation lookups attached to
// verification results: web mentions, breach history and WHOIS registration.
// None of them influence the confidence score.
package advisory

import (
	"net/http"
	"time"

	"mailfinder/verifier"
)

type Settings struct {
	InternetChecks bool
	HIBP           bool
	HIBPAPIKey     string
	GoogleAPIKey   string
	GoogleCSEID    string
	Timeout        time.Duration
}

// New builds the enabled advisors in reporting order.
func New(s Settings) []verifier.Advisor {
	client := &http.Client{Timeout: s.Timeout}

	var out []verifier.Advisor
	if s.InternetChecks {
		out = append(out, NewSearchAdvisor(s.GoogleAPIKey, s.GoogleCSEID, client))
	}
	if s.HIBP && s.HIBPAPIKey != "" {
		out = append(out, NewBreachAdvisor(s.HIBPAPIKey, client))
	}
	if s.InternetChecks {
		out = append(out, NewWhoisAdvisor(s.Timeout))
	}
	return out
}
