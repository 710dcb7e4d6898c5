package verifier

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultDKIMSelectors are the conventional selectors tried in order. A miss is weak
// evidence only; the real selector may be anything.
var DefaultDKIMSelectors = []string{"default", "google", "selector1", "selector2", "k1", "mail"}

// DeliverabilitySignals reports which sender-authentication policies the domain publishes.
type DeliverabilitySignals struct {
	SPF          bool   `json:"spf_present"`
	DKIM         bool   `json:"dkim_present"`
	DMARC        bool   `json:"dmarc_present"`
	SPFRecord    string `json:"spf_record,omitempty"`
	DMARCRecord  string `json:"dmarc_record,omitempty"`
	DKIMSelector string `json:"dkim_selector,omitempty"`
}

func (d DeliverabilitySignals) Any() bool {
	return d.SPF || d.DKIM || d.DMARC
}

type DeliverabilityChecker struct {
	Resolver  TXTResolver
	Selectors []string
	Logger    logrus.FieldLogger
}

// Check never fails: lookup errors read as "not present".
func (c *DeliverabilityChecker) Check(ctx context.Context, domain string) DeliverabilitySignals {
	var sig DeliverabilitySignals

	if rec, ok := c.find(ctx, domain, func(r string) bool { return hasPrefixFold(r, "v=spf1") }); ok {
		sig.SPF, sig.SPFRecord = true, rec
	}
	if rec, ok := c.find(ctx, "_dmarc."+domain, func(r string) bool { return hasPrefixFold(r, "v=DMARC1") }); ok {
		sig.DMARC, sig.DMARCRecord = true, rec
	}

	selectors := c.Selectors
	if len(selectors) == 0 {
		selectors = DefaultDKIMSelectors
	}
	for _, sel := range selectors {
		_, ok := c.find(ctx, sel+"._domainkey."+domain, func(r string) bool {
			return strings.Contains(r, "v=DKIM1") || strings.Contains(r, "p=")
		})
		if ok {
			sig.DKIM, sig.DKIMSelector = true, sel
			break
		}
	}
	return sig
}

func (c *DeliverabilityChecker) find(ctx context.Context, name string, match func(string) bool) (string, bool) {
	records, err := c.Resolver.LookupTXT(ctx, name)
	if err != nil {
		if c.Logger != nil {
			c.Logger.WithField("name", name).WithError(err).Debug("txt lookup failed")
		}
		return "", false
	}
	for _, r := range records {
		r = strings.TrimSpace(r)
		if match(r) {
			return r, true
		}
	}
	return "", false
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
