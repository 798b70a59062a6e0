package dns

import (
	"context"
	"slices"
)

// MockResolver is a Resolver used for testing dkimtestkey without a network.
type MockResolver struct {
	TXT map[string][]string

	// Fail contains FQDNs (trailing dot) that return a server failure.
	Fail []string
}

var _ Resolver = MockResolver{}

func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result, error) {
	fqdn := ensureFQDN(name)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if slices.Contains(r.Fail, fqdn) {
		return Result{}, ErrDNSServFail
	}

	records, ok := r.TXT[fqdn]
	if !ok || len(records) == 0 {
		return Result{}, ErrDNSNotFound
	}

	return Result{Records: records}, nil
}
