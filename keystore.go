package dkimsignd

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/net/idna"

	"github.com/dkimsignd/dkimsignd/dkim"
	"github.com/dkimsignd/dkimsignd/utils"
)

// PrivateKeyRecord is a loaded PEM RSA key materialized into a usable signing
// object. Records are stored once per underlying file (deduplicated by
// device+inode), so multiple domain/selector declarations may share one key.
type PrivateKeyRecord struct {
	Path string
	PEM  []byte
	Key  *rsa.PrivateKey

	dev, ino uint64
}

// Declaration is an ordered key-store entry.
type Declaration struct {
	Domain  string         // literal lowercased domain, empty if Pattern is set
	Pattern *regexp.Regexp // compiled wildcard pattern, nil for literal domains

	Selector string
	Record   *PrivateKeyRecord

	Version     string   // v, default "DKIM1"
	Granularity string   // g, default "*"
	Hashes      []string // h, colon-separated permitted hash algorithms
	KeyType     string   // k, forced to "rsa" for file-loaded keys
	Services    []string // s
	Flags       []string // t
	Notes       string   // n, quoted-printable encoded

	rawDomain string // pre-normalization text, kept for diagnostics
}

// DeclarationOptions carries the optional public-record constraints a caller
// may attach to a Declare call.
type DeclarationOptions struct {
	Granularity string
	Hashes      []string
	Services    []string
	Flags       []string
	Notes       string
}

// KeyStore holds the ordered list of key declarations and the indexes built
// over them by Postprocess. It is read-only once Postprocess has returned.
type KeyStore struct {
	mu sync.RWMutex

	declarations   []*Declaration
	records        []*PrivateKeyRecord
	byDomain       map[string][]int
	wildcardWarned bool

	onWildcardWarning func()
}

// NewKeyStore returns an empty key store ready for Declare calls.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		byDomain: make(map[string][]int),
	}
}

// Declare validates and appends a key declaration, loading (or reusing) the
// underlying PEM key. It must be called before Postprocess.
func (ks *KeyStore) Declare(domain, selector, keyFile string, opts DeclarationOptions) error {
	if domain == "" {
		return ErrEmptyDomain
	}
	if selector == "" {
		return ErrEmptySelector
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	record, err := ks.loadOrReuseRecord(keyFile)
	if err != nil {
		return err
	}

	normDomain, err := normalizeDomainText(domain)
	if err != nil {
		return fmt.Errorf("dkimsignd: normalizing domain %q: %w", domain, err)
	}
	normSelector := strings.ToLower(selector)

	decl := &Declaration{
		Selector:    normSelector,
		Record:      record,
		Version:     "DKIM1",
		Granularity: "*",
		KeyType:     "rsa",
		Services:    []string{"email"},
		rawDomain:   domain,
	}

	if opts.Granularity != "" {
		decl.Granularity = opts.Granularity
	}
	if len(opts.Hashes) > 0 {
		decl.Hashes = opts.Hashes
	}
	if len(opts.Services) > 0 {
		decl.Services = opts.Services
	}
	decl.Flags = opts.Flags
	decl.Notes = dkim.EncodeQuotedPrintable(opts.Notes)

	if strings.Contains(normDomain, "*") {
		pattern, err := compileWildcardDomain(normDomain)
		if err != nil {
			return fmt.Errorf("dkimsignd: compiling wildcard domain %q: %w", domain, err)
		}
		decl.Pattern = pattern
	} else {
		decl.Domain = normDomain
		if ks.declCountBelowDuplicateCheckLimit() {
			for _, existing := range ks.declarations {
				if existing.Pattern == nil && existing.Domain == normDomain && existing.Selector == normSelector {
					return fmt.Errorf("%w: %s/%s", ErrDuplicateSelector, normDomain, normSelector)
				}
			}
		}
	}

	ks.declarations = append(ks.declarations, decl)
	return nil
}

// declCountBelowDuplicateCheckLimit caps the linear duplicate-selector check:
// past 100 declarations it is skipped to avoid O(n^2) blowup on large
// configurations.
func (ks *KeyStore) declCountBelowDuplicateCheckLimit() bool {
	return len(ks.declarations) <= 100
}

func (ks *KeyStore) loadOrReuseRecord(path string) (*PrivateKeyRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyUnreadable, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyUnreadable, path, err)
	}

	dev, ino, haveStat := statDevIno(info)
	if haveStat {
		for _, rec := range ks.records {
			if rec.dev == dev && rec.ino == ino {
				return rec, nil
			}
		}
	}

	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyUnreadable, path, err)
	}

	key, err := parseRSAPrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyMalformed, path, err)
	}

	rec := &PrivateKeyRecord{Path: path, PEM: pemBytes, Key: key, dev: dev, ino: ino}
	ks.records = append(ks.records, rec)
	return rec, nil
}

func statDevIno(info os.FileInfo) (dev, ino uint64, ok bool) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return uint64(sys.Dev), sys.Ino, true
}

func parseRSAPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, dkim.ErrNotRSAKey
	}
	return rsaKey, nil
}

// normalizeDomainText lowercases domain, routing non-ASCII text through IDNA
// ToASCII first. Wildcard markers ("*") are preserved as literal characters;
// idna normalization is skipped whenever the domain is already pure ASCII,
// since that is the common case and ToASCII's validation otherwise rejects
// the "*" wildcard marker outright.
func normalizeDomainText(domain string) (string, error) {
	if !utils.ContainsNonASCII(domain) {
		return strings.ToLower(domain), nil
	}
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

var starRun = regexp.MustCompile(`\*+`)

// compileWildcardDomain turns a "*"-wildcarded domain into an anchored
// regular expression, collapsing successive "*"s into one.
func compileWildcardDomain(domain string) (*regexp.Regexp, error) {
	collapsed := starRun.ReplaceAllString(domain, "*")
	parts := strings.Split(collapsed, "*")

	var sb strings.Builder
	sb.WriteString("^")
	for i, p := range parts {
		if i > 0 {
			sb.WriteString(".*")
		}
		sb.WriteString(regexp.QuoteMeta(p))
	}
	sb.WriteString("$")

	return regexp.Compile(sb.String())
}

// Postprocess builds the domain index and registers wildcard declarations in
// both the literal index (under every existing literal key the pattern
// matches) and the synthetic
// "*" bucket. It may be called more than once; running it again over an
// unchanged declaration list yields equal indexes.
func (ks *KeyStore) Postprocess() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.byDomain = make(map[string][]int)

	var literalDomains []string
	for _, d := range ks.declarations {
		if d.Pattern == nil {
			literalDomains = append(literalDomains, d.Domain)
		}
	}

	for i, d := range ks.declarations {
		if d.Pattern != nil {
			if !ks.wildcardWarned {
				ks.wildcardWarned = true
				if ks.onWildcardWarning != nil {
					ks.onWildcardWarning()
				}
			}
			ks.byDomain["*"] = append(ks.byDomain["*"], i)
			for _, lit := range literalDomains {
				if d.Pattern.MatchString(lit) {
					ks.byDomain[lit] = append(ks.byDomain[lit], i)
				}
			}
			continue
		}
		ks.byDomain[d.Domain] = append(ks.byDomain[d.Domain], i)
	}

	return nil
}

// Stats returns the counts the introspection snapshot (C9c) reports:
// distinct literal domains declared, distinct selectors across all
// declarations, and the number of wildcard-pattern declarations.
func (ks *KeyStore) Stats() (domains, selectors, wildcardDeclarations int) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	seenDomain := make(map[string]struct{})
	seenSelector := make(map[string]struct{})
	for _, d := range ks.declarations {
		if d.Pattern != nil {
			wildcardDeclarations++
		} else {
			seenDomain[d.Domain] = struct{}{}
		}
		seenSelector[d.Selector] = struct{}{}
	}
	return len(seenDomain), len(seenSelector), wildcardDeclarations
}

// SelectQuery carries the tags the Key Selector (C2) filters candidate
// declarations on.
type SelectQuery struct {
	Domain    string // d, required
	Selector  string // s, optional
	Algorithm string // a, of the form "<keytype>-<hashalg>"
	Identity  string // i, optional, "local@domain"
}

// Select returns the first declared, in-order declaration whose constraints
// admit the query. The returned Declaration must not be mutated.
func (ks *KeyStore) Select(q SelectQuery) (*Declaration, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	d := strings.ToLower(q.Domain)

	indexes, ok := ks.byDomain[d]
	if !ok {
		indexes, ok = ks.byDomain["*"]
		if !ok {
			return nil, false
		}
	}

	keytype, hashalg := splitAlgorithm(q.Algorithm)
	if keytype == "" {
		keytype = "rsa"
	}

	for _, idx := range indexes {
		decl := ks.declarations[idx]
		if !declarationMatches(decl, d, q, keytype, hashalg) {
			continue
		}
		return decl, true
	}

	return nil, false
}

func declarationMatches(decl *Declaration, d string, q SelectQuery, keytype, hashalg string) bool {
	if decl.Pattern != nil {
		if !decl.Pattern.MatchString(d) {
			return false
		}
	} else if decl.Domain != d {
		return false
	}

	if q.Selector != "" && decl.Selector != strings.ToLower(q.Selector) {
		return false
	}

	if keytype != decl.KeyType {
		return false
	}

	if len(decl.Services) > 0 && !serviceAllowed(decl.Services) {
		return false
	}

	if hashalg != "" && len(decl.Hashes) > 0 && !stringInList(decl.Hashes, hashalg) {
		return false
	}

	if q.Identity != "" {
		ilocal, idomain, _ := strings.Cut(q.Identity, "@")
		if idomain != d && stringInList(decl.Flags, "s") {
			return false
		}
		if !granularityAllows(decl.Granularity, ilocal) {
			return false
		}
	}

	return true
}

func serviceAllowed(services []string) bool {
	return stringInList(services, "email") || stringInList(services, "*")
}

func granularityAllows(g, local string) bool {
	if g == "" || g == "*" {
		return true
	}
	if idx := strings.Index(g, "*"); idx >= 0 {
		prefix, suffix := g[:idx], g[idx+1:]
		return strings.HasPrefix(local, prefix) && strings.HasSuffix(local, suffix)
	}
	return local == g
}

func splitAlgorithm(a string) (keytype, hashalg string) {
	if a == "" {
		return "", ""
	}
	kt, h, found := strings.Cut(a, "-")
	if !found {
		return a, ""
	}
	return kt, h
}

func stringInList(list []string, needle string) bool {
	for _, v := range list {
		if strings.EqualFold(v, needle) {
			return true
		}
	}
	return false
}
