package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type State string

const cancelledMessage = "batch cancelled"

const (
	StateCompleted     State = "completed"
	StateRejectedInput State = "rejected_input"
)

// VerificationResult is the final record for one address. It is not modified
// after scoring; advisories are appended alongside, never folded into Score.
type VerificationResult struct {
	Email          string                `json:"email"`
	Address        EmailAddress          `json:"address"`
	State          State                 `json:"state"`
	Status         Status                `json:"status"`
	Score          float64               `json:"confidence"`
	Reason         string                `json:"reason"`
	MXHosts        []MailExchangeHost    `json:"mx_hosts,omitempty"`
	MXResolved     bool                  `json:"mx_resolved"`
	Probe          ProbeOutcome          `json:"smtp"`
	CatchAll       CatchAllResult        `json:"catch_all"`
	Deliverability DeliverabilitySignals `json:"deliverability"`
	Advisories     []AdvisorySignal      `json:"advisories,omitempty"`
	CheckedAt      time.Time             `json:"checked_at"`
	Duration       time.Duration         `json:"duration_ns"`
}

// Verifier orchestrates resolution, probing, catch-all detection, deliverability
// checks and scoring. It holds no per-batch state; each call builds its own.
type Verifier struct {
	opts     Options
	resolver Resolver
	prober   Probe
	catchAll *CatchAllDetector
	deliv    *DeliverabilityChecker
	skip     *SkipPolicy
	advisors []Advisor
	token    func() string
	logger   logrus.FieldLogger
	now      func() time.Time
}

func New(opts Options, extra ...Option) (*Verifier, error) {
	opts = opts.withDefaults()
	v := &Verifier{
		opts:   opts,
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	if opts.SkipBlockedProviders {
		v.skip = DefaultSkipPolicy()
	}
	for _, o := range extra {
		o(v)
	}

	if v.resolver == nil {
		r := NewDNSResolver(opts.DNSServers, opts.DNSTimeout)
		r.Logger = v.logger
		v.resolver = r
	}
	if v.prober == nil {
		p, err := NewProber(opts.SenderDomain, opts.SMTPPort, opts.SMTPTimeout, opts.MaxHosts, opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("build prober: %w", err)
		}
		p.Logger = v.logger
		v.prober = p
	}
	v.catchAll = &CatchAllDetector{Prober: v.prober, Token: v.token}
	v.deliv = &DeliverabilityChecker{Resolver: v.resolver, Selectors: opts.DKIMSelectors, Logger: v.logger}
	return v, nil
}

func (v *Verifier) Options() Options { return v.opts }

// RunOption tunes a single Verify/VerifyBatch/Find call.
type RunOption func(*runConfig)

// WithProgress is called once per finished address with its input index.
// Calls are serialized.
func WithProgress(fn func(i int, r VerificationResult)) RunOption {
	return func(rc *runConfig) { rc.onResult = fn }
}

// WithAdvisories turns advisory lookups on or off for this call.
func WithAdvisories(enabled bool) RunOption {
	return func(rc *runConfig) { rc.advisories = enabled }
}

// WithCatchAll overrides Options.DetectCatchAll for this call. Turning it off
// trades catch-all certainty for one probe less per domain.
func WithCatchAll(enabled bool) RunOption {
	return func(rc *runConfig) { rc.catchAll = &enabled }
}

type runConfig struct {
	mu         sync.Mutex
	onResult   func(int, VerificationResult)
	onFound    func(int, FinderResult)
	advisories bool
	catchAll   *bool
}

func (v *Verifier) newRun(opts []RunOption) *runConfig {
	rc := &runConfig{advisories: true}
	for _, o := range opts {
		o(rc)
	}
	return rc
}

func (rc *runConfig) detectCatchAll(def bool) bool {
	if rc.catchAll != nil {
		return *rc.catchAll
	}
	return def
}

func (rc *runConfig) report(i int, r VerificationResult) {
	if rc.onResult == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.onResult(i, r)
}

func (rc *runConfig) reportFound(i int, r FinderResult) {
	if rc.onFound == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.onFound(i, r)
}

// domainState is shared by every address of one domain within one batch and
// touched only by the goroutine working that domain.
type domainState struct {
	domain     string
	prepared   bool
	hosts      []MailExchangeHost
	resolveErr error
	delivDone  bool
	deliv      DeliverabilitySignals
	skipReason string
	catchAll   *CatchAllResult
	limiter    *rate.Limiter
}

type batchState map[string]*domainState

func (v *Verifier) newBatchState(domains []string) batchState {
	state := make(batchState, len(domains))
	for _, d := range domains {
		ds := &domainState{domain: d}
		if v.opts.ProbeInterval > 0 {
			ds.limiter = rate.NewLimiter(rate.Every(v.opts.ProbeInterval), 1)
		}
		state[d] = ds
	}
	return state
}

// Verify checks a single address. It never returns an error; every failure is
// described in the result.
func (v *Verifier) Verify(ctx context.Context, email string, opts ...RunOption) VerificationResult {
	return v.VerifyBatch(ctx, []string{email}, opts...)[0]
}

// VerifyBatch returns exactly one result per input, in input order. Addresses of
// one domain are probed sequentially; distinct domains run concurrently up to
// Options.Workers. Cancelling ctx stops new probes; probes already running
// finish under their own timeouts.
func (v *Verifier) VerifyBatch(ctx context.Context, emails []string, opts ...RunOption) []VerificationResult {
	rc := v.newRun(opts)
	results := make([]VerificationResult, len(emails))
	addrs := make([]EmailAddress, len(emails))

	groups := make(map[string][]int)
	var order []string
	for i, raw := range emails {
		addr, err := ParseAddress(raw)
		if err != nil {
			results[i] = rejectedInput(raw, err, v.now())
			rc.report(i, results[i])
			continue
		}
		addrs[i] = addr
		if _, ok := groups[addr.Domain]; !ok {
			order = append(order, addr.Domain)
		}
		groups[addr.Domain] = append(groups[addr.Domain], i)
	}

	state := v.newBatchState(order)
	var g errgroup.Group
	g.SetLimit(v.opts.Workers)
	for _, domain := range order {
		ds, idx := state[domain], groups[domain]
		g.Go(func() error {
			group := make([]EmailAddress, len(idx))
			for k, i := range idx {
				group[k] = addrs[i]
			}
			v.verifySequential(ctx, ds, group, rc, func(k int, r VerificationResult) {
				results[idx[k]] = r
				rc.report(idx[k], r)
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// verifySequential walks one domain's addresses in order, pacing probes and
// stopping new work once ctx is cancelled.
func (v *Verifier) verifySequential(ctx context.Context, ds *domainState, addrs []EmailAddress, rc *runConfig, each func(int, VerificationResult)) {
	for k, addr := range addrs {
		if ctx.Err() == nil && ds.limiter != nil {
			_ = ds.limiter.Wait(ctx)
		}
		if ctx.Err() != nil {
			each(k, cancelled(addr, v.now()))
			continue
		}
		each(k, v.verifyOne(ctx, ds, addr, rc))
	}
}

func (v *Verifier) verifyOne(ctx context.Context, ds *domainState, addr EmailAddress, rc *runConfig) VerificationResult {
	start := v.now()
	log := v.logger.WithFields(logrus.Fields{"email": addr.String(), "domain": addr.Domain})

	// In-flight work is detached from batch cancellation and bounded by the budget.
	budget, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.opts.AddressBudget)
	defer cancel()

	v.prepareDomain(budget, ds)

	res := VerificationResult{
		Email:      addr.String(),
		Address:    addr,
		State:      StateCompleted,
		MXHosts:    ds.hosts,
		MXResolved: ds.resolveErr == nil && len(ds.hosts) > 0,
		CatchAll:   unmeasuredCatchAll(),
		CheckedAt:  start,
	}

	switch {
	case ds.resolveErr != nil:
		res.Probe = ProbeOutcome{Outcome: OutcomeDomainError, Message: ds.resolveErr.Error(), Stage: "resolve"}
	case ds.skipReason != "":
		res.Probe = ProbeOutcome{Outcome: OutcomeIndeterminate, Message: ds.skipReason, Skipped: true}
	default:
		res.Probe = v.prober.Probe(budget, ds.hosts, addr)
		if budget.Err() != nil && res.Probe.Outcome == OutcomeIndeterminate && res.Probe.Code == 0 {
			res.Probe.Outcome = OutcomeTimeout
		}
		if res.Probe.Outcome == OutcomeAccepted && rc.detectCatchAll(v.opts.DetectCatchAll) {
			v.measureCatchAll(ctx, ds)
		}
		if ds.catchAll != nil {
			res.CatchAll = *ds.catchAll
		}
	}

	v.checkDeliverability(ctx, ds)
	res.Deliverability = ds.deliv

	res.Score, res.Status = Score(res.Probe, res.CatchAll, res.MXResolved, res.Deliverability)
	res.Reason = reasonFor(res)

	if rc.advisories {
		res.Advisories = v.RunAdvisories(ctx, res.Email)
	}
	res.Duration = v.now().Sub(start)

	log.WithFields(logrus.Fields{
		"status":     res.Status,
		"confidence": res.Score,
		"outcome":    res.Probe.Outcome,
	}).Info("address verified")
	return res
}

// prepareDomain resolves mail hosts once per domain per batch.
func (v *Verifier) prepareDomain(ctx context.Context, ds *domainState) {
	if ds.prepared {
		return
	}
	ds.prepared = true

	ds.hosts, ds.resolveErr = v.resolver.ResolveMX(ctx, ds.domain)
	if ds.resolveErr != nil {
		v.logger.WithField("domain", ds.domain).WithError(ds.resolveErr).Info("mail host resolution failed")
	}
	if ds.resolveErr == nil {
		ds.skipReason = v.skip.Reason(ds.domain, ds.hosts, v.opts.MaxHosts)
	}
}

// checkDeliverability looks up SPF, DMARC and DKIM once per domain per batch.
// It runs after the probe under its own deadline, outside the address budget.
func (v *Verifier) checkDeliverability(ctx context.Context, ds *domainState) {
	if ds.delivDone {
		return
	}
	ds.delivDone = true
	if errors.Is(ds.resolveErr, ErrDomainNotFound) {
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.deliverabilityBudget())
	defer cancel()
	ds.deliv = v.deliv.Check(dctx, ds.domain)
}

// deliverabilityBudget allows one DNSTimeout per TXT query: SPF, DMARC and
// each DKIM selector.
func (v *Verifier) deliverabilityBudget() time.Duration {
	selectors := len(v.opts.DKIMSelectors)
	if selectors == 0 {
		selectors = len(DefaultDKIMSelectors)
	}
	return time.Duration(2+selectors) * v.opts.DNSTimeout
}

// measureCatchAll runs the synthetic probe once per domain per batch. It only
// matters once an address was accepted, so it is deferred until then.
func (v *Verifier) measureCatchAll(ctx context.Context, ds *domainState) {
	if ds.catchAll != nil || ctx.Err() != nil {
		return
	}
	budget, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.opts.AddressBudget)
	defer cancel()

	res := v.catchAll.Detect(budget, ds.hosts, ds.domain)
	ds.catchAll = &res
	v.logger.WithFields(logrus.Fields{
		"domain":      ds.domain,
		"catch_all":   res.IsCatchAll,
		"measurement": res.Measurement,
	}).Debug("catch-all measured")
}

func rejectedInput(raw string, err error, now time.Time) VerificationResult {
	return VerificationResult{
		Email:     raw,
		State:     StateRejectedInput,
		Status:    StatusInvalidSyntax,
		Score:     0,
		Reason:    err.Error(),
		CatchAll:  unmeasuredCatchAll(),
		CheckedAt: now,
	}
}

func cancelled(addr EmailAddress, now time.Time) VerificationResult {
	r := VerificationResult{
		Email:     addr.String(),
		Address:   addr,
		State:     StateCompleted,
		Probe:     ProbeOutcome{Outcome: OutcomeIndeterminate, Message: cancelledMessage},
		CatchAll:  unmeasuredCatchAll(),
		CheckedAt: now,
	}
	r.Score, r.Status = Score(r.Probe, r.CatchAll, r.MXResolved, r.Deliverability)
	r.Reason = "batch cancelled before this address was probed"
	return r
}

func reasonFor(r VerificationResult) string {
	p := r.Probe
	switch {
	case p.Stage == "resolve":
		return "cannot verify: " + p.Message
	case p.Skipped:
		return "smtp check skipped: " + p.Message
	}

	switch p.Outcome {
	case OutcomeRejected:
		return fmt.Sprintf("mailbox rejected by %s (%d %s)", p.Host, p.Code, p.Message)
	case OutcomeAccepted:
		switch r.Status {
		case StatusCatchAll:
			return "mailbox accepted but the domain accepts any address"
		case StatusVerified:
			return "mailbox accepted by " + p.Host
		default:
			return "mailbox accepted; catch-all behaviour could not be measured"
		}
	case OutcomeTimeout:
		return fmt.Sprintf("mail server did not answer in time during %s", p.Stage)
	case OutcomeDomainError:
		return "could not reach a mail server: " + p.Message
	default:
		if p.Code != 0 {
			return fmt.Sprintf("inconclusive reply during %s (%d %s)", p.Stage, p.Code, p.Message)
		}
		return "inconclusive: " + p.Message
	}
}
