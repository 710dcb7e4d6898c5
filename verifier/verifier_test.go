package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catchAllToken = "zzcatchall"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func mxFor(domains ...string) map[string][]MailExchangeHost {
	m := make(map[string][]MailExchangeHost, len(domains))
	for _, d := range domains {
		m[d] = []MailExchangeHost{{Host: "mx1." + d, Priority: 10}, {Host: "mx2." + d, Priority: 20}}
	}
	return m
}

func newTestVerifier(t *testing.T, opts Options, resolver Resolver, prober Probe, extra ...Option) *Verifier {
	t.Helper()
	if opts.SenderDomain == "" {
		opts.SenderDomain = "probe.test"
	}
	base := []Option{
		WithResolver(resolver),
		WithProber(prober),
		WithLogger(quietLogger()),
		WithTokenSource(func() string { return catchAllToken }),
	}
	v, err := New(opts, append(base, extra...)...)
	require.NoError(t, err)
	return v
}

func TestVerifyBatchKeepsInputOrder(t *testing.T) {
	resolver := &fakeResolver{
		mx:  mxFor("a.test", "b.test"),
		txt: map[string][]string{"a.test": {"v=spf1 -all"}},
	}
	prober := &fakeProber{answers: map[string]ProbeOutcome{
		"alice": {Outcome: OutcomeAccepted, Code: 250},
		"bob":   {Outcome: OutcomeAccepted, Code: 250},
	}}
	v := newTestVerifier(t, Options{Workers: 4, DetectCatchAll: true}, resolver, prober)

	inputs := []string{"alice@a.test", "not-an-email", "bob@b.test", "carol@A.test"}
	results := v.VerifyBatch(context.Background(), inputs)
	require.Len(t, results, len(inputs))

	assert.Equal(t, "alice@a.test", results[0].Email)
	assert.Equal(t, StatusVerified, results[0].Status)
	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, "mailbox accepted by mx1.a.test", results[0].Reason)

	assert.Equal(t, "not-an-email", results[1].Email)
	assert.Equal(t, StateRejectedInput, results[1].State)
	assert.Equal(t, StatusInvalidSyntax, results[1].Status)
	assert.Zero(t, results[1].Score)

	assert.Equal(t, StatusVerified, results[2].Status)
	assert.Equal(t, 0.85, results[2].Score, "no auth records for b.test")

	assert.Equal(t, "carol@a.test", results[3].Email)
	assert.Equal(t, StatusInvalid, results[3].Status)
	assert.Zero(t, results[3].Score)
	assert.Contains(t, results[3].Reason, "550")

	for _, p := range prober.Probed() {
		assert.NotContains(t, p, "not-an-email")
	}
	assert.Equal(t, 1, resolver.resolveCalls("a.test"))
	assert.Equal(t, 1, resolver.resolveCalls("b.test"))
	assert.Equal(t, 1, prober.count(catchAllToken+"@a.test"))
}

func TestVerifyUnresolvableDomain(t *testing.T) {
	resolver := &fakeResolver{
		errs: map[string]error{
			"nomx.test": fmt.Errorf("%w for nomx.test", ErrNoMailService),
			"gone.test": &DNSError{Domain: "gone.test", Query: "MX", Rcode: dns.RcodeNameError},
		},
		txt: map[string][]string{
			"nomx.test": {"v=spf1 -all"},
			"gone.test": {"v=spf1 -all"},
		},
	}
	prober := &fakeProber{}
	v := newTestVerifier(t, Options{DetectCatchAll: true}, resolver, prober)

	res := v.Verify(context.Background(), "someone@nomx.test")
	assert.Equal(t, OutcomeDomainError, res.Probe.Outcome)
	assert.Equal(t, "resolve", res.Probe.Stage)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.LessOrEqual(t, res.Score, 0.40)
	assert.False(t, res.MXResolved)
	assert.True(t, res.Deliverability.SPF)
	assert.Contains(t, res.Reason, "cannot verify")

	res = v.Verify(context.Background(), "someone@gone.test")
	assert.Equal(t, OutcomeDomainError, res.Probe.Outcome)
	assert.False(t, res.Deliverability.SPF, "deliverability is not looked up for a missing domain")
	assert.Zero(t, res.Score)

	assert.Empty(t, prober.Probed())
}

func TestVerifyCatchAllDomain(t *testing.T) {
	resolver := &fakeResolver{mx: mxFor("ca.test")}
	prober := &fakeProber{fallback: ProbeOutcome{Outcome: OutcomeAccepted, Code: 250}}
	v := newTestVerifier(t, Options{DetectCatchAll: true}, resolver, prober)

	results := v.VerifyBatch(context.Background(), []string{"a@ca.test", "b@ca.test", "c@ca.test"})
	for _, r := range results {
		assert.Equal(t, StatusCatchAll, r.Status, r.Email)
		assert.True(t, r.CatchAll.IsCatchAll)
		assert.Less(t, r.Score, 1.0)
		assert.Equal(t, 0.70, r.Score)
	}
	assert.Equal(t, 1, prober.count(catchAllToken+"@ca.test"))
}

func TestVerifyCatchAllDisabled(t *testing.T) {
	resolver := &fakeResolver{mx: mxFor("ca.test")}
	prober := &fakeProber{fallback: ProbeOutcome{Outcome: OutcomeAccepted, Code: 250}}
	v := newTestVerifier(t, Options{DetectCatchAll: false}, resolver, prober)

	res := v.Verify(context.Background(), "a@ca.test")
	assert.Equal(t, StatusLikelyValid, res.Status)
	assert.False(t, res.CatchAll.Measured)
	assert.Equal(t, 0, prober.count(catchAllToken+"@ca.test"))
}

func TestVerifyBatchOneProbeAtATimePerDomain(t *testing.T) {
	domains := []string{"one.test", "two.test", "three.test"}
	resolver := &fakeResolver{mx: mxFor(domains...)}
	prober := &fakeProber{fallback: ProbeOutcome{Outcome: OutcomeAccepted, Code: 250}}
	v := newTestVerifier(t, Options{Workers: 3, DetectCatchAll: true}, resolver, prober)

	var inputs []string
	for i := 0; i < 8; i++ {
		for _, d := range domains {
			inputs = append(inputs, fmt.Sprintf("user%d@%s", i, d))
		}
	}
	results := v.VerifyBatch(context.Background(), inputs)
	require.Len(t, results, len(inputs))
	for i, r := range results {
		assert.Equal(t, inputs[i], r.Email)
	}

	prober.mu.Lock()
	defer prober.mu.Unlock()
	for _, d := range domains {
		assert.Equal(t, 1, prober.maxInflight[d], d)
	}
}

func TestVerifyBatchProbeInterval(t *testing.T) {
	resolver := &fakeResolver{mx: mxFor("slow.test")}
	prober := &fakeProber{}
	v := newTestVerifier(t, Options{ProbeInterval: 40 * time.Millisecond}, resolver, prober)

	start := time.Now()
	v.VerifyBatch(context.Background(), []string{"a@slow.test", "b@slow.test", "c@slow.test"})
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestVerifyBatchCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := &fakeResolver{mx: mxFor("c.test")}
	prober := &fakeProber{hook: func(pctx context.Context, addr EmailAddress) (ProbeOutcome, bool) {
		if addr.LocalPart == "first" {
			cancel()
			time.Sleep(20 * time.Millisecond)
			// The in-flight probe is not interrupted by batch cancellation.
			if pctx.Err() != nil {
				return ProbeOutcome{Outcome: OutcomeIndeterminate, Message: "interrupted"}, true
			}
			return ProbeOutcome{Outcome: OutcomeAccepted, Code: 250}, true
		}
		return ProbeOutcome{}, false
	}}
	v := newTestVerifier(t, Options{DetectCatchAll: true}, resolver, prober)

	inputs := []string{"first@c.test", "second@c.test", "third@c.test", "bad address"}
	results := v.VerifyBatch(ctx, inputs)
	require.Len(t, results, 4)

	assert.Equal(t, OutcomeAccepted, results[0].Probe.Outcome)
	assert.Equal(t, StatusLikelyValid, results[0].Status, "catch-all is not measured after cancellation")

	for _, r := range results[1:3] {
		assert.Equal(t, StateCompleted, r.State)
		assert.Equal(t, cancelledMessage, r.Probe.Message)
		assert.Equal(t, StatusUnknown, r.Status)
		assert.Zero(t, r.Score)
	}
	assert.Equal(t, StateRejectedInput, results[3].State)
	assert.Equal(t, []string{"first@c.test"}, prober.Probed())
}

func TestVerifyAddressBudget(t *testing.T) {
	resolver := &fakeResolver{mx: mxFor("hang.test")}
	prober := &fakeProber{hook: func(ctx context.Context, _ EmailAddress) (ProbeOutcome, bool) {
		<-ctx.Done()
		return ProbeOutcome{Outcome: OutcomeIndeterminate, Message: "connection lost", Stage: stageRcpt.String()}, true
	}}
	v := newTestVerifier(t, Options{AddressBudget: 50 * time.Millisecond}, resolver, prober)

	start := time.Now()
	res := v.Verify(context.Background(), "x@hang.test")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, OutcomeTimeout, res.Probe.Outcome)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.LessOrEqual(t, res.Score, 0.40)
	assert.Contains(t, res.Reason, "did not answer in time")
}

// slowTXTResolver delays every TXT answer.
type slowTXTResolver struct {
	*fakeResolver
	delay time.Duration
}

func (r slowTXTResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return nil, &DNSError{Domain: name, Query: "TXT", Timeout: true, Err: ctx.Err()}
	}
	return r.fakeResolver.LookupTXT(ctx, name)
}

func TestVerifySlowDeliverabilityKeepsProbeVerdict(t *testing.T) {
	resolver := slowTXTResolver{
		fakeResolver: &fakeResolver{mx: mxFor("slow.test"), txt: map[string][]string{"slow.test": {"v=spf1 mx -all"}}},
		delay:        80 * time.Millisecond,
	}
	prober := &fakeProber{hook: func(ctx context.Context, addr EmailAddress) (ProbeOutcome, bool) {
		if addr.LocalPart == catchAllToken {
			return ProbeOutcome{}, false
		}
		if ctx.Err() != nil {
			return ProbeOutcome{Outcome: OutcomeIndeterminate, Message: ctx.Err().Error()}, true
		}
		return ProbeOutcome{Outcome: OutcomeAccepted, Code: 250}, true
	}}
	// Eight TXT lookups at 80ms each overrun the address budget on their own.
	v := newTestVerifier(t, Options{AddressBudget: 500 * time.Millisecond, DetectCatchAll: true}, resolver, prober)

	results := v.VerifyBatch(context.Background(), []string{"a@slow.test", "b@slow.test"})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, OutcomeAccepted, r.Probe.Outcome, r.Email)
		assert.Equal(t, StatusVerified, r.Status, r.Email)
		assert.Equal(t, 1.0, r.Score, r.Email)
		assert.True(t, r.Deliverability.SPF, r.Email)
	}
}

func TestVerifyCatchAllRunOption(t *testing.T) {
	resolver := &fakeResolver{mx: mxFor("ca.test")}

	tests := []struct {
		name       string
		detect     bool
		runOpt     bool
		wantStatus Status
		wantProbes int
	}{
		{"run option turns detection off", true, false, StatusLikelyValid, 0},
		{"run option turns detection on", false, true, StatusCatchAll, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := &fakeProber{fallback: ProbeOutcome{Outcome: OutcomeAccepted, Code: 250}}
			v := newTestVerifier(t, Options{DetectCatchAll: tt.detect}, resolver, prober)

			res := v.Verify(context.Background(), "a@ca.test", WithCatchAll(tt.runOpt))
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantProbes, prober.count(catchAllToken+"@ca.test"))
		})
	}
}

func TestVerifySkipPolicy(t *testing.T) {
	resolver := &fakeResolver{mx: map[string][]MailExchangeHost{
		"gmail.com":     {{Host: "gmail-smtp-in.l.google.com", Priority: 5}},
		"shop.test":     {{Host: "inbound-smtp.us-east-1.amazonaws.com", Priority: 10}},
		"far.test":      {{Host: "mx1.far.test"}, {Host: "mx2.far.test"}, {Host: "mx.sendgrid.net"}},
		"sub.gmail.com": {{Host: "mx.sub.gmail.com"}},
	}}
	prober := &fakeProber{fallback: ProbeOutcome{Outcome: OutcomeAccepted, Code: 250}}
	v := newTestVerifier(t, Options{SkipBlockedProviders: true}, resolver, prober)

	results := v.VerifyBatch(context.Background(), []string{"a@gmail.com", "b@shop.test", "c@far.test", "d@sub.gmail.com"})

	for _, i := range []int{0, 1, 3} {
		r := results[i]
		assert.True(t, r.Probe.Skipped, r.Email)
		assert.Equal(t, OutcomeIndeterminate, r.Probe.Outcome)
		assert.Equal(t, StatusUnknown, r.Status)
		assert.Contains(t, r.Reason, "skipped")
	}
	assert.False(t, results[2].Probe.Skipped, "only the hosts the prober would dial are checked")
	assert.Equal(t, []string{"c@far.test"}, prober.Probed())

	v = newTestVerifier(t, Options{}, resolver, prober, WithSkipPolicy(nil))
	assert.False(t, v.Verify(context.Background(), "e@gmail.com").Probe.Skipped)
}

type stubAdvisor struct {
	name string
	sig  AdvisorySignal
	err  error
	wait time.Duration
}

func (s stubAdvisor) Name() string { return s.name }

func (s stubAdvisor) Lookup(ctx context.Context, email string) (AdvisorySignal, error) {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return AdvisorySignal{}, ctx.Err()
		}
	}
	return s.sig, s.err
}

func TestVerifyAdvisoriesNeverChangeScore(t *testing.T) {
	resolver := &fakeResolver{mx: mxFor("adv.test")}
	prober := &fakeProber{answers: map[string]ProbeOutcome{"ok": {Outcome: OutcomeAccepted, Code: 250}}}
	advisors := WithAdvisors(
		stubAdvisor{name: "search", sig: AdvisorySignal{Available: true, Summary: "3 mentions"}},
		stubAdvisor{name: "breach", err: errors.New("rate limited")},
		stubAdvisor{name: "whois", wait: time.Second},
	)
	v := newTestVerifier(t, Options{DetectCatchAll: true, AdvisoryTimeout: 30 * time.Millisecond}, resolver, prober, advisors)

	with := v.Verify(context.Background(), "ok@adv.test")
	without := v.Verify(context.Background(), "ok@adv.test", WithAdvisories(false))

	assert.Equal(t, without.Score, with.Score)
	assert.Equal(t, without.Status, with.Status)
	assert.Nil(t, without.Advisories)

	require.Len(t, with.Advisories, 3)
	assert.Equal(t, AdvisorySignal{Source: "search", Available: true, Summary: "3 mentions"}, with.Advisories[0])
	assert.Equal(t, "breach", with.Advisories[1].Source)
	assert.False(t, with.Advisories[1].Available)
	assert.Equal(t, "rate limited", with.Advisories[1].Error)
	assert.Equal(t, "whois", with.Advisories[2].Source)
	assert.NotEmpty(t, with.Advisories[2].Error)
}

func TestVerifyBatchProgress(t *testing.T) {
	resolver := &fakeResolver{mx: mxFor("p.test", "q.test")}
	v := newTestVerifier(t, Options{Workers: 2}, resolver, &fakeProber{})

	var mu sync.Mutex
	seen := map[int]string{}
	inputs := []string{"a@p.test", "b@q.test", "broken", "c@p.test"}
	v.VerifyBatch(context.Background(), inputs, WithProgress(func(i int, r VerificationResult) {
		mu.Lock()
		defer mu.Unlock()
		_, dup := seen[i]
		assert.False(t, dup)
		seen[i] = r.Email
	}))

	assert.Len(t, seen, len(inputs))
	for i, in := range inputs {
		assert.Equal(t, in, seen[i])
	}
}

func TestGenerateAndVerifyRanking(t *testing.T) {
	resolver := &fakeResolver{mx: mxFor("x.test"), txt: map[string][]string{"x.test": {"v=spf1 mx -all"}}}
	prober := &fakeProber{answers: map[string]ProbeOutcome{"jdoe": {Outcome: OutcomeAccepted, Code: 250}}}
	v := newTestVerifier(t, Options{DetectCatchAll: true}, resolver, prober)

	res, err := v.GenerateAndVerify(context.Background(), "John", "Doe", "X.test", FinderOptions{})
	require.NoError(t, err)
	assert.Equal(t, "x.test", res.Domain)

	best, ok := res.Best()
	require.True(t, ok)
	assert.Equal(t, "jdoe@x.test", best.Email)
	assert.Equal(t, StatusVerified, best.Status)
	assert.Equal(t, 1.0, best.Score)

	// Equal scores keep generation order.
	assert.Equal(t, "john.doe@x.test", res.Candidates[1].Email)
	assert.Equal(t, "johndoe@x.test", res.Candidates[2].Email)
	assert.Equal(t, "john@x.test", res.Candidates[3].Email)
	for _, c := range res.Candidates[1:] {
		assert.Zero(t, c.Score)
	}

	assert.Equal(t, 1, resolver.resolveCalls("x.test"))
	assert.Equal(t, 1, prober.count(catchAllToken+"@x.test"))

	res, err = v.GenerateAndVerify(context.Background(), "John", "Doe", "x.test", FinderOptions{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 2)
}

func TestGenerateAndVerifyInvalidInput(t *testing.T) {
	prober := &fakeProber{}
	v := newTestVerifier(t, Options{}, &fakeResolver{}, prober)

	_, err := v.GenerateAndVerify(context.Background(), "", "Doe", "x.test", FinderOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, prober.Probed())
}

func TestFindBatch(t *testing.T) {
	resolver := &fakeResolver{mx: mxFor("x.test", "y.test")}
	prober := &fakeProber{answers: map[string]ProbeOutcome{
		"jane.roe": {Outcome: OutcomeAccepted, Code: 250},
		"alee":     {Outcome: OutcomeAccepted, Code: 250},
	}}
	v := newTestVerifier(t, Options{Workers: 2, DetectCatchAll: true}, resolver, prober)

	reqs := []FindRequest{
		{FirstName: "", LastName: "Doe", Domain: "x.test"},
		{FirstName: "Jane", LastName: "Roe", Domain: "x.test"},
		{FirstName: "Ann", LastName: "Lee", Domain: "y.test"},
		{FirstName: "Bo", LastName: "Fox", MiddleName: "Q", Domain: "x.test"},
	}
	var found sync.Map
	results := v.FindBatch(context.Background(), reqs, FinderOptions{MaxResults: 5}, WithFindProgress(func(i int, r FinderResult) {
		found.Store(i, r.Domain)
	}))
	require.Len(t, results, 4)

	assert.ErrorIs(t, results[0].Err, ErrInvalidInput)
	assert.NotEmpty(t, results[0].Error)
	assert.Empty(t, results[0].Candidates)

	best, ok := results[1].Best()
	require.True(t, ok)
	assert.Equal(t, "jane.roe@x.test", best.Email)

	best, ok = results[2].Best()
	require.True(t, ok)
	assert.Equal(t, "alee@y.test", best.Email)
	assert.Len(t, results[2].Candidates, 5)

	assert.Contains(t, prober.Probed(), "bo.q.fox@x.test")

	assert.Equal(t, 1, resolver.resolveCalls("x.test"), "rows of one domain share resolution")
	assert.Equal(t, 1, resolver.resolveCalls("y.test"))
	assert.Equal(t, 1, prober.count(catchAllToken+"@x.test"))

	for i := range reqs {
		_, ok := found.Load(i)
		assert.True(t, ok, "progress for row %d", i)
	}
}

func TestFindBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prober := &fakeProber{}
	v := newTestVerifier(t, Options{}, &fakeResolver{mx: mxFor("x.test")}, prober)
	results := v.FindBatch(ctx, []FindRequest{{FirstName: "Jane", LastName: "Roe", Domain: "x.test"}}, FinderOptions{})

	require.Len(t, results, 1)
	assert.Equal(t, cancelledMessage, results[0].Error)
	assert.NotEmpty(t, results[0].Candidates)
	assert.Empty(t, prober.Probed())
}

func TestLocalFQDNHonoursTimeout(t *testing.T) {
	start := time.Now()
	name := LocalFQDN(time.Nanosecond)
	assert.NotEmpty(t, name)
	assert.Less(t, time.Since(start), time.Second)
}
