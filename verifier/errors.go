package verifier

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNoMailService  = errors.New("domain has no mail service")
	ErrDomainNotFound = errors.New("domain not found")
)

// DNSError is a resolver-level failure: timeout, NXDOMAIN, SERVFAIL or a transport error.
type DNSError struct {
	Domain  string
	Query   string
	Rcode   int
	Timeout bool
	Err     error
}

func (e *DNSError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("dns %s lookup for %s timed out", e.Query, e.Domain)
	case e.Err != nil:
		return fmt.Sprintf("dns %s lookup for %s: %v", e.Query, e.Domain, e.Err)
	default:
		return fmt.Sprintf("dns %s lookup for %s: %s", e.Query, e.Domain, dns.RcodeToString[e.Rcode])
	}
}

func (e *DNSError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Rcode == dns.RcodeNameError {
		return ErrDomainNotFound
	}
	return nil
}
