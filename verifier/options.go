package verifier

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Options configures a Verifier. Start from DefaultOptions; zero durations and
// counts fall back to the defaults.
type Options struct {
	SMTPTimeout   time.Duration
	SMTPPort      int
	MaxHosts      int
	SenderDomain  string
	Proxy         string
	DNSServers    []string
	DNSTimeout    time.Duration
	DKIMSelectors []string

	Workers       int
	AddressBudget time.Duration
	ProbeInterval time.Duration

	DetectCatchAll       bool
	SkipBlockedProviders bool
	AdvisoryTimeout      time.Duration
}

func DefaultOptions() Options {
	return Options{
		SMTPTimeout:          10 * time.Second,
		SMTPPort:             25,
		MaxHosts:             2,
		DNSTimeout:           5 * time.Second,
		Workers:              10,
		AddressBudget:        30 * time.Second,
		DetectCatchAll:       true,
		SkipBlockedProviders: true,
		AdvisoryTimeout:      8 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.SMTPTimeout <= 0 {
		o.SMTPTimeout = def.SMTPTimeout
	}
	if o.SMTPPort <= 0 {
		o.SMTPPort = def.SMTPPort
	}
	if o.MaxHosts <= 0 {
		o.MaxHosts = def.MaxHosts
	}
	if o.DNSTimeout <= 0 {
		o.DNSTimeout = def.DNSTimeout
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.AddressBudget <= 0 {
		o.AddressBudget = def.AddressBudget
	}
	if o.AdvisoryTimeout <= 0 {
		o.AdvisoryTimeout = def.AdvisoryTimeout
	}
	if o.SenderDomain == "" {
		o.SenderDomain = LocalFQDN(o.DNSTimeout)
	}
	return o
}

// Option swaps a collaborator, mostly for tests and alternative transports.
type Option func(*Verifier)

func WithResolver(r Resolver) Option { return func(v *Verifier) { v.resolver = r } }

func WithProber(p Probe) Option { return func(v *Verifier) { v.prober = p } }

func WithAdvisors(a ...Advisor) Option {
	return func(v *Verifier) { v.advisors = append(v.advisors, a...) }
}

func WithLogger(l logrus.FieldLogger) Option { return func(v *Verifier) { v.logger = l } }

func WithSkipPolicy(p *SkipPolicy) Option { return func(v *Verifier) { v.skip = p } }

// WithTokenSource fixes the catch-all local part generator.
func WithTokenSource(fn func() string) Option { return func(v *Verifier) { v.token = fn } }

// LocalFQDN resolves this machine's fully qualified name, falling back to the
// bare hostname. The lookups share one timeout.
func LocalFQDN(timeout time.Duration) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fallbackHeloName
	}
	if strings.Contains(host, ".") {
		return strings.ToLower(host)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var r net.Resolver
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return strings.ToLower(host)
	}
	for _, a := range addrs {
		names, err := r.LookupAddr(ctx, a)
		if err != nil {
			continue
		}
		for _, n := range names {
			n = strings.TrimSuffix(n, ".")
			if strings.Contains(n, ".") {
				return strings.ToLower(n)
			}
		}
	}
	return strings.ToLower(host)
}
