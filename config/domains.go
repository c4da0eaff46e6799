package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAddressRequired = errors.New("email address is required")
	ErrAddressInvalid  = errors.New("invalid email format")
)

// UnsupportedDomainError is returned for addresses outside the catch-all domains.
type UnsupportedDomainError struct {
	Domain    string
	Supported []string
}

func (e *UnsupportedDomainError) Error() string {
	return fmt.Sprintf("email domain %q not supported; supported domains: %s", e.Domain, strings.Join(e.Supported, ", "))
}

// ValidateAddress checks that addr belongs to one of the supported domains and
// returns it normalized to lower case.
func (c Config) ValidateAddress(addr string) (string, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return "", ErrAddressRequired
	}

	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", fmt.Errorf("%w: %s", ErrAddressInvalid, addr)
	}

	if !c.SupportsDomain(domain) {
		return "", &UnsupportedDomainError{Domain: domain, Supported: c.SupportedDomains}
	}

	return addr, nil
}

// SupportsDomain reports whether domain is one of the configured catch-all domains.
func (c Config) SupportsDomain(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	for _, supported := range c.SupportedDomains {
		if domain == strings.ToLower(supported) {
			return true
		}
	}
	return false
}
