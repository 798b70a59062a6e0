// Package dns performs the single DNS lookup the daemon's diagnostics need:
// fetching a selector's published DKIM TXT record for comparison against a
// locally declared private key.
package dns

import (
	"context"
	"errors"
)

var (
	ErrDNSNotFound = errors.New("dns: record not found")
	ErrDNSTimeout  = errors.New("dns: query timed out")
	ErrDNSServFail = errors.New("dns: server failure")
)

// Result carries a lookup's records alongside whether the response was
// DNSSEC-validated.
type Result struct {
	Records   []string
	Authentic bool
}

// Resolver is the DNS capability dkimtestkey needs. It is intentionally
// narrower than a general-purpose DNS client: a signing daemon's diagnostics
// never need A, AAAA, MX, or PTR records.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result, error)
}
