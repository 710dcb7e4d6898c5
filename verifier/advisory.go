package verifier

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// AdvisorySignal is an optional enrichment. It never feeds the score.
type AdvisorySignal struct {
	Source    string         `json:"source"`
	Available bool           `json:"available"`
	Summary   string         `json:"summary,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Advisor is a best-effort reputation lookup (web search, breach data, WHOIS).
type Advisor interface {
	Name() string
	Lookup(ctx context.Context, email string) (AdvisorySignal, error)
}

// RunAdvisories queries every advisor concurrently, each under its own timeout.
// A failing advisor yields an unavailable signal instead of an error.
func (v *Verifier) RunAdvisories(ctx context.Context, email string) []AdvisorySignal {
	if len(v.advisors) == 0 {
		return nil
	}
	signals := make([]AdvisorySignal, len(v.advisors))
	var g errgroup.Group
	for i, a := range v.advisors {
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, v.opts.AdvisoryTimeout)
			defer cancel()

			sig, err := a.Lookup(actx, email)
			if err != nil {
				v.logger.WithField("advisor", a.Name()).WithError(err).Warn("advisory lookup failed")
				sig = AdvisorySignal{Source: a.Name(), Error: err.Error()}
			}
			if sig.Source == "" {
				sig.Source = a.Name()
			}
			signals[i] = sig
			return nil
		})
	}
	_ = g.Wait()
	return signals
}
