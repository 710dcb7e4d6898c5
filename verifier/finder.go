package verifier

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

type FinderOptions struct {
	PatternOptions
	// MaxResults trims the ranked candidates; 0 keeps all of them.
	MaxResults int
}

type FindRequest struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	MiddleName string `json:"middle_name,omitempty"`
	Domain     string `json:"domain"`
}

// FinderResult holds every verified candidate for one person, best first.
type FinderResult struct {
	FirstName  string               `json:"first_name"`
	LastName   string               `json:"last_name"`
	Domain     string               `json:"domain"`
	Candidates []VerificationResult `json:"candidates"`
	Err        error                `json:"-"`
	Error      string               `json:"error,omitempty"`
}

// Best returns the top-ranked candidate.
func (f FinderResult) Best() (VerificationResult, bool) {
	if len(f.Candidates) == 0 {
		return VerificationResult{}, false
	}
	return f.Candidates[0], true
}

// WithFindProgress is called once per finished FindBatch row.
func WithFindProgress(fn func(i int, r FinderResult)) RunOption {
	return func(rc *runConfig) { rc.onFound = fn }
}

// GenerateAndVerify generates candidates for a person and verifies them in one
// pass sharing DNS and catch-all state, ranked by confidence with generation
// order breaking ties.
func (v *Verifier) GenerateAndVerify(ctx context.Context, first, last, domain string, opts FinderOptions, run ...RunOption) (FinderResult, error) {
	req := FindRequest{FirstName: first, LastName: last, MiddleName: opts.Middle, Domain: domain}
	res := v.FindBatch(ctx, []FindRequest{req}, opts, run...)[0]
	return res, res.Err
}

// FindBatch runs the finder for every row and returns one FinderResult per row
// in input order. Rows sharing a domain run sequentially on the same state.
func (v *Verifier) FindBatch(ctx context.Context, reqs []FindRequest, opts FinderOptions, run ...RunOption) []FinderResult {
	rc := v.newRun(run)
	results := make([]FinderResult, len(reqs))
	candidates := make([][]EmailAddress, len(reqs))

	groups := make(map[string][]int)
	var order []string
	for i, req := range reqs {
		results[i] = FinderResult{FirstName: req.FirstName, LastName: req.LastName, Domain: NormalizeDomain(req.Domain)}

		popts := opts.PatternOptions
		if req.MiddleName != "" {
			popts.Middle = req.MiddleName
		}
		emails, err := GenerateCandidates(req.FirstName, req.LastName, req.Domain, popts)
		if err == nil {
			candidates[i], err = parseAll(emails)
		}
		if err != nil {
			results[i].Err, results[i].Error = err, err.Error()
			rc.reportFound(i, results[i])
			continue
		}

		d := results[i].Domain
		if _, ok := groups[d]; !ok {
			order = append(order, d)
		}
		groups[d] = append(groups[d], i)
	}

	state := v.newBatchState(order)
	var g errgroup.Group
	g.SetLimit(v.opts.Workers)
	for _, domain := range order {
		ds, idx := state[domain], groups[domain]
		g.Go(func() error {
			for _, i := range idx {
				verified := make([]VerificationResult, len(candidates[i]))
				v.verifySequential(ctx, ds, candidates[i], rc, func(k int, r VerificationResult) {
					verified[k] = r
				})
				results[i].Candidates = rank(verified, opts.MaxResults)
				for _, r := range verified {
					if r.Probe.Message == cancelledMessage {
						results[i].Error = cancelledMessage
						break
					}
				}
				rc.reportFound(i, results[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// parseAll drops candidates a custom template made unparseable.
func parseAll(emails []string) ([]EmailAddress, error) {
	addrs := make([]EmailAddress, 0, len(emails))
	var lastErr error
	for _, e := range emails {
		a, err := ParseAddress(e)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("%w: no candidate patterns", ErrInvalidInput)
		}
		return nil, lastErr
	}
	return addrs, nil
}

// rank sorts by score, keeping generation order between equal scores.
func rank(results []VerificationResult, max int) []VerificationResult {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if max > 0 && len(results) > max {
		results = results[:max]
	}
	return results
}
