package verifier

import "strings"

// SkipPolicy lists destinations where a RCPT probe tells us nothing: consumer
// providers that block port 25 probing and transactional relays that accept
// everything or nothing.
type SkipPolicy struct {
	BlockedDomains  []string
	TransactionalMX []string
}

func DefaultSkipPolicy() *SkipPolicy {
	return &SkipPolicy{
		BlockedDomains: []string{
			"outlook.com", "hotmail.com", "live.com", "msn.com",
			"gmail.com", "googlemail.com", "yahoo.com", "yahoo.co.uk",
			"aol.com", "icloud.com", "me.com", "mac.com",
			"microsoft.com", "office365.com",
		},
		TransactionalMX: []string{
			"inbound-smtp",
			"amazonaws.com",
			"sendgrid.net",
			"mailgun.org",
			"mailgun.com",
			"sparkpostmail.com",
			"postmarkapp.com",
			"mandrillapp.com",
		},
	}
}

// Reason returns why the domain should not be probed, or "" to probe it.
// Only the first maxHosts hosts are considered, matching what the prober dials.
func (p *SkipPolicy) Reason(domain string, hosts []MailExchangeHost, maxHosts int) string {
	if p == nil {
		return ""
	}
	for _, blocked := range p.BlockedDomains {
		if domain == blocked || strings.HasSuffix(domain, "."+blocked) {
			return "provider blocks mailbox verification"
		}
	}
	if maxHosts > 0 && len(hosts) > maxHosts {
		hosts = hosts[:maxHosts]
	}
	for _, h := range hosts {
		for _, pattern := range p.TransactionalMX {
			if strings.Contains(h.Host, pattern) {
				return "transactional mail relay does not answer mailbox probes"
			}
		}
	}
	return ""
}
