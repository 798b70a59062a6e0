package dkimsignd

import "strings"

// TagMap is one ordered sender-options tag-map: a lookup key (a full
// address, a bare-domain/bare-user "@" form, a leading-dot domain suffix, or
// "." as catchall) to a partial set of RFC 6376 signature tags plus the
// pseudo-tag "ttl".
type TagMap map[string]map[string]string

// Candidate is one entry of a choose_key request's ordered candidate list: a
// source label ("author", "from", ...) paired with a raw RFC 5321 mailbox.
type Candidate struct {
	SourceLabel string
	Address     string
}

// OptionsResolver walks a request's ordered candidate list against the
// configured ordered tag-maps to choose a signing identity and its tags.
type OptionsResolver struct {
	tagMaps []TagMap
}

// NewOptionsResolver builds a resolver over the configured tag-maps, in
// configuration order.
func NewOptionsResolver(tagMaps ...TagMap) *OptionsResolver {
	return &OptionsResolver{tagMaps: tagMaps}
}

// ResolveResult is the outcome of Resolve.
type ResolveResult struct {
	Tags            map[string]string
	ChosenLabel     string
	ChosenAddress   string
	Found           bool
}

// Resolve walks the candidate list end to end: for each candidate in order,
// merge tag-map matches, attempt key selection against keystore, and stop at
// the first candidate that yields a key. requestOverrides holds the
// original request's sig.<tag> attributes, copied into the final result for
// any tag left unset by the resolution.
func (r *OptionsResolver) Resolve(keystore *KeyStore, candidates []Candidate, requestOverrides map[string]string) ResolveResult {
	var last map[string]string

	for _, c := range candidates {
		local, domain := unquoteMailbox(c.Address)
		queryKeys := buildQueryKeys(local, domain)
		tags := r.mergeForCandidate(queryKeys, requestOverrides)

		if tags["d"] == "" {
			tags["d"] = strings.TrimPrefix(domain, "@")
		}
		last = tags

		decl, ok := keystore.Select(SelectQuery{
			Domain:    tags["d"],
			Selector:  tags["s"],
			Algorithm: tags["a"],
			Identity:  tags["i"],
		})
		if !ok {
			continue
		}

		tags["s"] = decl.Selector

		return ResolveResult{
			Tags:          tags,
			ChosenLabel:   c.SourceLabel,
			ChosenAddress: representAddress(local, domain),
			Found:         true,
		}
	}

	if last == nil {
		last = r.mergeForCandidate(nil, requestOverrides)
	}

	return ResolveResult{Tags: last, Found: false}
}

func applyOverrides(tags, overrides map[string]string) {
	for tag, val := range overrides {
		if _, exists := tags[tag]; !exists {
			tags[tag] = val
		}
	}
}

// mergeForCandidate collects tag-map matches across query keys, in tag-map
// list order then query-key order, keeping the first value seen per tag
// ("first-seen wins"); then layers in the original
// request's sig.<tag> overrides for anything still unset — this is what lets
// a request-supplied sig.a participate in key selection itself, not just
// decorate the response after a candidate has already been chosen; and
// finally appends the default catchall to guarantee a and c are always set.
func (r *OptionsResolver) mergeForCandidate(queryKeys []string, requestOverrides map[string]string) map[string]string {
	result := make(map[string]string)

	for _, tm := range r.tagMaps {
		for _, qk := range queryKeys {
			entry, ok := tm[qk]
			if !ok {
				continue
			}
			for tag, val := range entry {
				if _, exists := result[tag]; !exists {
					result[tag] = val
				}
			}
		}
	}

	applyOverrides(result, requestOverrides)

	if _, ok := result["c"]; !ok {
		result["c"] = "relaxed/simple"
	}
	if _, ok := result["a"]; !ok {
		result["a"] = "rsa-sha256"
	}

	return result
}

// representAddress renders the unquoted local/domain pair back into a plain
// address string, the form used in a chosen_candidate response attribute.
func representAddress(local, domain string) string {
	if domain == "" {
		return local
	}
	return local + "@" + domain
}

// unquoteMailbox strips angle brackets, discards any RFC 5321 source route,
// and undoes quoted-pairs in the local part. If the
// unquoted local part itself contains "@" and no domain remains, the address
// is represented with a trailing "@" sentinel rather than silently dropping
// the ambiguity.
func unquoteMailbox(raw string) (local, domain string) {
	addr := raw
	if i, j := strings.Index(addr, "<"), strings.LastIndex(addr, ">"); i >= 0 && j > i {
		addr = addr[i+1 : j]
	}
	addr = strings.TrimSpace(addr)

	if strings.HasPrefix(addr, "@") {
		if idx := strings.Index(addr, ":"); idx >= 0 {
			addr = addr[idx+1:]
		}
	}

	local, domain = splitLocalDomain(addr)
	local = unescapeQuotedPairs(local)
	domain = strings.ToLower(domain)

	if domain == "" && strings.Contains(local, "@") {
		return local + "@", ""
	}
	return local, domain
}

func splitLocalDomain(addr string) (local, domain string) {
	if strings.HasPrefix(addr, `"`) {
		i := 1
		for i < len(addr) {
			if addr[i] == '\\' && i+1 < len(addr) {
				i += 2
				continue
			}
			if addr[i] == '"' {
				break
			}
			i++
		}
		if i < len(addr) {
			localPart := addr[:i+1]
			rest := strings.TrimPrefix(addr[i+1:], "@")
			return localPart, rest
		}
	}

	if idx := strings.LastIndex(addr, "@"); idx >= 0 {
		return addr[:idx], addr[idx+1:]
	}
	return addr, ""
}

func unescapeQuotedPairs(local string) string {
	if strings.HasPrefix(local, `"`) && strings.HasSuffix(local, `"`) && len(local) >= 2 {
		local = local[1 : len(local)-1]
	}

	var b strings.Builder
	for i := 0; i < len(local); i++ {
		if local[i] == '\\' && i+1 < len(local) {
			b.WriteByte(local[i+1])
			i++
			continue
		}
		b.WriteByte(local[i])
	}
	return b.String()
}

// splitExtension separates a recipient-delimiter extension ("+ext") from the
// local part. Role addresses (postmaster, mailer-daemon, double-bounce,
// owner-*, *-request, judged on the part before the "+") are never split,
// and a null extension (trailing "+" with nothing after it) is suppressed
// rather than treated as an empty extension.
func splitExtension(local string) (base, ext string, hasExt bool) {
	idx := strings.Index(local, "+")
	if idx < 0 {
		return local, "", false
	}
	base = local[:idx]
	ext = local[idx+1:]
	if ext == "" {
		return local, "", false
	}

	lower := strings.ToLower(base)
	switch lower {
	case "postmaster", "mailer-daemon", "double-bounce":
		return local, "", false
	}
	if strings.HasPrefix(lower, "owner-") || strings.HasSuffix(lower, "-request") {
		return local, "", false
	}
	return base, ext, true
}

// buildQueryKeys returns the ordered query-key list for a mailbox,
// deduplicated while preserving first-occurrence order.
func buildQueryKeys(local, domain string) []string {
	base, ext, hasExt := splitExtension(local)

	var keys []string
	add := func(k string) { keys = append(keys, k) }

	if domain != "" {
		if hasExt {
			add(base + "+" + ext + "@" + domain)
		}
		add(base + "@" + domain)
	} else {
		add(local)
	}

	if hasExt {
		add(base + "+" + ext + "@")
	}
	add(base + "@")

	if domain != "" {
		add("@" + domain)

		labels := strings.Split(domain, ".")
		for i := 1; i < len(labels) && i <= 10; i++ {
			add("." + strings.Join(labels[i:], "."))
		}
		add(".")
	}

	return dedupPreserveOrder(keys)
}

func dedupPreserveOrder(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
