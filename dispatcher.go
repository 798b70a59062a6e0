package dkimsignd

import (
	"encoding/base64"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/dkimsignd/dkimsignd/dkim"
)

// dispatchCounters are the atomic request counters folded into the
// introspection snapshot (C9c). They are the only mutable state Dispatch
// touches once the KeyStore and OptionsResolver it was built with are
// postprocessed.
type dispatchCounters struct {
	requestsTotal     atomic.Int64
	chooseKeyTotal    atomic.Int64
	signTotal         atomic.Int64
	signFailuresTotal atomic.Int64
}

// Dispatcher routes choose_key and sign requests against a KeyStore and
// OptionsResolver built at startup.
type Dispatcher struct {
	keystore *KeyStore
	resolver *OptionsResolver
	logger   *slog.Logger

	counters dispatchCounters
}

// NewDispatcher returns a Dispatcher over the given, already-postprocessed
// KeyStore and OptionsResolver.
func NewDispatcher(keystore *KeyStore, resolver *OptionsResolver, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{keystore: keystore, resolver: resolver, logger: logger}
}

// Dispatch handles one fully-buffered request and returns the ordered
// response attributes to encode. request_id and log_id are always echoed
// first when present.
func (d *Dispatcher) Dispatch(req *Attributes) *Attributes {
	resp := NewAttributes()
	d.counters.requestsTotal.Add(1)

	if v, ok := req.Get("request_id"); ok {
		resp.Add("request_id", v)
	}
	if v, ok := req.Get("log_id"); ok {
		resp.Add("log_id", v)
	}

	requestType, _ := req.Get("request")
	switch requestType {
	case "choose_key":
		d.counters.chooseKeyTotal.Add(1)
		d.dispatchChooseKey(req, resp)
	case "sign":
		d.counters.signTotal.Add(1)
		d.dispatchSign(req, resp)
		if _, failed := resp.Get("reason"); failed {
			d.counters.signFailuresTotal.Add(1)
		}
	default:
		resp.Add("reason", "unknown request type")
	}

	return resp
}

// Snapshot returns a point-in-time introspection summary (C9c) of this
// dispatcher's request counters and the key store it was built with.
func (d *Dispatcher) Snapshot() Snapshot {
	domains, selectors, wildcards := d.keystore.Stats()
	return Snapshot{
		Domains:              domains,
		Selectors:            selectors,
		WildcardDeclarations: wildcards,
		RequestsTotal:        d.counters.requestsTotal.Load(),
		ChooseKeyTotal:       d.counters.chooseKeyTotal.Load(),
		SignTotal:            d.counters.signTotal.Load(),
		SignFailuresTotal:    d.counters.signFailuresTotal.Load(),
	}
}

// dispatchChooseKey implements the choose_key side of C6, delegating
// candidate walking and key selection to C3+C2.
func (d *Dispatcher) dispatchChooseKey(req *Attributes, resp *Attributes) {
	var candidates []Candidate
	for _, raw := range req.All("candidate") {
		label, addr, ok := strings.Cut(raw, " ")
		if !ok {
			d.logger.Warn("malformed candidate attribute", slog.String("value", raw))
			continue
		}
		candidates = append(candidates, Candidate{SourceLabel: label, Address: addr})
	}

	overrides := make(map[string]string)
	for _, name := range req.Names() {
		if tag, ok := strings.CutPrefix(name, "sig."); ok {
			if v, ok := req.Get(name); ok {
				overrides[tag] = v
			}
		}
	}

	result := d.resolver.Resolve(d.keystore, candidates, overrides)

	for _, tag := range sortedKeys(result.Tags) {
		val := result.Tags[tag]
		if val == "" {
			continue
		}
		resp.Add("sig."+tag, val)
	}

	if result.Found {
		resp.Add("chosen_candidate", result.ChosenLabel+" "+result.ChosenAddress)
	}
}

// dispatchSign implements C7: validate required attributes, look up the key
// by (d, s) alone, and produce a PKCS#1 v1.5 signature over the supplied
// digest.
func (d *Dispatcher) dispatchSign(req *Attributes, resp *Attributes) {
	digestB64, _ := req.Get("digest")
	digestAlg, _ := req.Get("digest_alg")
	domain, _ := req.Get("d")
	selector, _ := req.Get("s")

	switch {
	case domain == "":
		resp.Add("reason", "cannot sign, d")
		return
	case selector == "":
		resp.Add("reason", "cannot sign, s")
		return
	case digestAlg == "":
		resp.Add("reason", "cannot sign, digest_alg")
		return
	case digestB64 == "":
		resp.Add("reason", "cannot sign, digest")
		return
	}

	decl, ok := d.keystore.Select(SelectQuery{Domain: domain, Selector: selector})
	if !ok {
		resp.Add("reason", "cannot sign, signing key not available")
		return
	}

	digest, err := base64.StdEncoding.DecodeString(digestB64)
	if err != nil {
		resp.Add("reason", "cannot sign: "+err.Error())
		return
	}

	sig, err := dkim.Sign(decl.Record.Key, digestAlg, digest)
	if err != nil {
		resp.Add("reason", "cannot sign: "+err.Error())
		return
	}

	resp.Add("d", strings.ToLower(domain))
	resp.Add("s", decl.Selector)
	resp.Add("b", base64.StdEncoding.EncodeToString(sig))
}
