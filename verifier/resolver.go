package verifier

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// MailExchangeHost is one mail server for a domain. Lower Priority is preferred.
type MailExchangeHost struct {
	Host     string `json:"host"`
	Priority uint16 `json:"priority"`
	// Implicit is set when the host comes from the A/AAAA fallback rather than an MX record.
	Implicit bool `json:"implicit,omitempty"`
}

// MXResolver resolves a domain into its ordered mail hosts.
type MXResolver interface {
	ResolveMX(ctx context.Context, domain string) ([]MailExchangeHost, error)
}

// TXTResolver returns the TXT strings published at name.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Resolver is the DNS surface the orchestrator needs.
type Resolver interface {
	MXResolver
	TXTResolver
}

var defaultNameservers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// DNSResolver queries nameservers directly, so it can be pointed at a test server.
type DNSResolver struct {
	Servers []string
	Timeout time.Duration
	Logger  logrus.FieldLogger

	udp *dns.Client
	tcp *dns.Client
}

// NewDNSResolver builds a resolver. With no servers it reads /etc/resolv.conf and
// falls back to public resolvers.
func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if len(servers) == 0 {
		servers = systemNameservers()
	}
	return &DNSResolver{
		Servers: servers,
		Timeout: timeout,
		Logger:  logrus.StandardLogger(),
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

func systemNameservers() []string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return defaultNameservers
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}

// ResolveMX returns the domain's mail hosts sorted by priority, keeping record
// order between equal priorities. With no MX records the domain itself is used
// when it has an address record; otherwise ErrNoMailService.
func (r *DNSResolver) ResolveMX(ctx context.Context, domain string) ([]MailExchangeHost, error) {
	domain = NormalizeDomain(domain)

	msg, err := r.query(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var hosts []MailExchangeHost
	for _, rr := range msg.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		hosts = append(hosts, MailExchangeHost{
			Host:     strings.ToLower(strings.TrimSuffix(mx.Mx, ".")),
			Priority: mx.Preference,
		})
	}

	// RFC 7505 null MX: the domain explicitly accepts no mail.
	if len(hosts) == 1 && hosts[0].Host == "" {
		return nil, ErrNoMailService
	}

	if len(hosts) > 0 {
		sort.SliceStable(hosts, func(i, j int) bool { return hosts[i].Priority < hosts[j].Priority })
		return hosts, nil
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg, err := r.query(ctx, domain, qtype)
		if err != nil {
			return nil, err
		}
		for _, rr := range msg.Answer {
			switch rr.(type) {
			case *dns.A, *dns.AAAA:
				r.Logger.WithField("domain", domain).Debug("no MX records, using address fallback")
				return []MailExchangeHost{{Host: domain, Priority: 0, Implicit: true}}, nil
			}
		}
	}
	return nil, ErrNoMailService
}

// LookupTXT returns every TXT record at name with its character strings joined.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	msg, err := r.query(ctx, NormalizeDomain(name), dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var records []string
	for _, rr := range msg.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	return records, nil
}

// query asks each server in turn. NXDOMAIN is authoritative and returned at once;
// transport failures move on to the next server.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	qname := dns.TypeToString[qtype]
	var lastErr error
	for _, server := range r.Servers {
		qctx, cancel := context.WithTimeout(ctx, r.Timeout)
		resp, _, err := r.udp.ExchangeContext(qctx, m, server)
		if err == nil && resp.Truncated {
			resp, _, err = r.tcp.ExchangeContext(qctx, m, server)
		}
		cancel()

		if err != nil {
			lastErr = &DNSError{Domain: name, Query: qname, Timeout: isTimeout(err), Err: err}
			r.Logger.WithFields(logrus.Fields{"domain": name, "query": qname, "server": server}).
				WithError(err).Debug("dns query failed")
			if ctx.Err() != nil {
				break
			}
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp, nil
		case dns.RcodeNameError:
			return nil, &DNSError{Domain: name, Query: qname, Rcode: resp.Rcode}
		default:
			lastErr = &DNSError{Domain: name, Query: qname, Rcode: resp.Rcode}
		}
	}
	if lastErr == nil {
		lastErr = &DNSError{Domain: name, Query: qname, Err: errors.New("no nameservers configured")}
	}
	return nil, lastErr
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
