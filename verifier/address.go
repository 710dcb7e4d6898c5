package verifier

import (
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
)

const (
	maxLocalPartLen = 64
	maxAddressLen   = 254
)

// EmailAddress is a syntactically valid address. Construct it with ParseAddress.
type EmailAddress struct {
	LocalPart string `json:"local_part"`
	Domain    string `json:"domain"`
}

func (a EmailAddress) String() string {
	return a.LocalPart + "@" + a.Domain
}

// ParseAddress validates raw and splits it into local part and domain.
// The domain is lowercased; the local part is kept as given.
func ParseAddress(raw string) (EmailAddress, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return EmailAddress{}, fmt.Errorf("%w: empty address", ErrInvalidInput)
	}
	if len(email) > maxAddressLen {
		return EmailAddress{}, fmt.Errorf("%w: address longer than %d characters", ErrInvalidInput, maxAddressLen)
	}
	if err := checkmail.ValidateFormat(email); err != nil {
		return EmailAddress{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	at := strings.LastIndex(email, "@")
	local, domain := email[:at], strings.ToLower(email[at+1:])
	if len(local) > maxLocalPartLen {
		return EmailAddress{}, fmt.Errorf("%w: local part longer than %d characters", ErrInvalidInput, maxLocalPartLen)
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return EmailAddress{}, fmt.Errorf("%w: misplaced dot in local part", ErrInvalidInput)
	}
	if !strings.Contains(domain, ".") {
		return EmailAddress{}, fmt.Errorf("%w: domain %q is not fully qualified", ErrInvalidInput, domain)
	}

	return EmailAddress{LocalPart: local, Domain: domain}, nil
}

// NormalizeDomain lowercases and trims a user-supplied domain.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "@")
	return strings.TrimSuffix(d, ".")
}
