// Package verifiertest provides in-memory DNS and SMTP stand-ins for packages
// that drive a verifier.Verifier.
package verifiertest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"mailfinder/verifier"
)

// Resolver answers MX and TXT queries from maps. Unknown names are NXDOMAIN.
type Resolver struct {
	MX  map[string][]string
	TXT map[string][]string
}

func (r *Resolver) ResolveMX(_ context.Context, domain string) ([]verifier.MailExchangeHost, error) {
	hosts, ok := r.MX[domain]
	if !ok {
		return nil, &verifier.DNSError{Domain: domain, Query: "MX", Rcode: dns.RcodeNameError}
	}
	out := make([]verifier.MailExchangeHost, len(hosts))
	for i, h := range hosts {
		out[i] = verifier.MailExchangeHost{Host: h, Priority: uint16(10 * (i + 1))}
	}
	return out, nil
}

func (r *Resolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	recs, ok := r.TXT[name]
	if !ok {
		return nil, &verifier.DNSError{Domain: name, Query: "TXT", Rcode: dns.RcodeNameError}
	}
	return recs, nil
}

// Prober accepts the listed mailboxes, every address on a catch-all domain,
// and rejects everything else with 550.
type Prober struct {
	Mailboxes map[string]bool
	CatchAll  map[string]bool

	mu     sync.Mutex
	probed []string
}

func (p *Prober) Probe(ctx context.Context, hosts []verifier.MailExchangeHost, addr verifier.EmailAddress) verifier.ProbeOutcome {
	p.mu.Lock()
	p.probed = append(p.probed, addr.String())
	p.mu.Unlock()

	host := hosts[0].Host
	if ctx.Err() != nil {
		return verifier.ProbeOutcome{Outcome: verifier.OutcomeTimeout, Host: host, Message: ctx.Err().Error()}
	}
	if p.CatchAll[addr.Domain] || p.Mailboxes[strings.ToLower(addr.String())] {
		return verifier.ProbeOutcome{Outcome: verifier.OutcomeAccepted, Code: 250, Host: host, Message: "2.1.5 OK"}
	}
	return verifier.ProbeOutcome{Outcome: verifier.OutcomeRejected, Code: 550, Host: host, Message: "5.1.1 user unknown", Stage: "rcpt"}
}

// Probed lists the addresses probed so far, in order.
func (p *Prober) Probed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.probed...)
}

// New builds a verifier wired to r and p with a fixed catch-all token and a
// discarded log.
func New(r *Resolver, p *Prober, extra ...verifier.Option) (*verifier.Verifier, error) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	opts := verifier.DefaultOptions()
	opts.SenderDomain = "probe.test"
	base := []verifier.Option{
		verifier.WithResolver(r),
		verifier.WithProber(p),
		verifier.WithLogger(logger),
		verifier.WithTokenSource(func() string { return "zzcatchalltoken" }),
	}
	return verifier.New(opts, append(base, extra...)...)
}
