package dkimsignd

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func newTestKeystore(t *testing.T, decls ...func(*KeyStore)) *KeyStore {
	t.Helper()
	ks := NewKeyStore()
	for _, d := range decls {
		d(ks)
	}
	if err := ks.Postprocess(); err != nil {
		t.Fatalf("Postprocess() error: %v", err)
	}
	return ks
}

func declareKey(t *testing.T, domain, selector string, opts DeclarationOptions) func(*KeyStore) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, selector+".key")
	if err := os.WriteFile(path, testRSAKeyPEM, 0o600); err != nil {
		t.Fatalf("writing test key: %v", err)
	}
	return func(ks *KeyStore) {
		if err := ks.Declare(domain, selector, path, opts); err != nil {
			t.Fatalf("Declare(%s, %s) error: %v", domain, selector, err)
		}
	}
}

// TestDispatchChooseKeyBasic checks a choose_key request against a single
// declared key resolves to that key's tags and echoes the chosen candidate.
func TestDispatchChooseKeyBasic(t *testing.T) {
	ks := newTestKeystore(t, declareKey(t, "example.org", "sel1", DeclarationOptions{}))
	d := NewDispatcher(ks, NewOptionsResolver(), nil)

	req := NewAttributes()
	req.Add("request", "choose_key")
	req.Add("candidate", "author u@example.org")

	resp := d.Dispatch(req)

	checks := map[string]string{
		"sig.d": "example.org",
		"sig.s": "sel1",
		"sig.a": "rsa-sha256",
		"sig.c": "relaxed/simple",
	}
	for name, want := range checks {
		got, ok := resp.Get(name)
		if !ok || got != want {
			t.Fatalf("response %s = (%q, %v), want %q", name, got, ok, want)
		}
	}
	if got, _ := resp.Get("chosen_candidate"); got != "author u@example.org" {
		t.Fatalf("chosen_candidate = %q, want %q", got, "author u@example.org")
	}
}

// TestDispatchSignRoundTrip checks a sign request against a declared key
// produces a signature that verifies against that key's public half.
func TestDispatchSignRoundTrip(t *testing.T) {
	ks := newTestKeystore(t, declareKey(t, "example.org", "sel1", DeclarationOptions{}))
	d := NewDispatcher(ks, NewOptionsResolver(), nil)

	sum := sha256.Sum256([]byte("hello\n"))
	digest := base64.StdEncoding.EncodeToString(sum[:])

	req := NewAttributes()
	req.Add("request", "sign")
	req.Add("d", "example.org")
	req.Add("s", "sel1")
	req.Add("digest_alg", "sha256")
	req.Add("digest", digest)

	resp := d.Dispatch(req)

	if got, _ := resp.Get("d"); got != "example.org" {
		t.Fatalf("d = %q, want example.org", got)
	}
	if got, _ := resp.Get("s"); got != "sel1" {
		t.Fatalf("s = %q, want sel1", got)
	}

	b, ok := resp.Get("b")
	if !ok {
		t.Fatalf("response has no b signature")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(b)
	if err != nil {
		t.Fatalf("b is not valid base64: %v", err)
	}
	if len(sigBytes) != 256 {
		t.Fatalf("signature length = %d, want 256 (2048-bit key)", len(sigBytes))
	}

	key, err := parseRSAPrivateKeyPEM(testRSAKeyPEM)
	if err != nil {
		t.Fatalf("parsing test key: %v", err)
	}
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, sum[:], sigBytes); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

// TestDispatchSelectorConstraint checks a request-supplied sig.a hash
// algorithm steers selection toward the declaration whose h= list allows it.
func TestDispatchSelectorConstraint(t *testing.T) {
	ks := newTestKeystore(t,
		declareKey(t, "example.org", "sel1", DeclarationOptions{Hashes: []string{"sha1"}}),
		declareKey(t, "example.org", "sel2", DeclarationOptions{Hashes: []string{"sha256"}}),
	)
	d := NewDispatcher(ks, NewOptionsResolver(), nil)

	req256 := NewAttributes()
	req256.Add("request", "choose_key")
	req256.Add("sig.a", "rsa-sha256")
	req256.Add("candidate", "author u@example.org")
	resp256 := d.Dispatch(req256)
	if got, _ := resp256.Get("sig.s"); got != "sel2" {
		t.Fatalf("rsa-sha256 selector = %q, want sel2", got)
	}

	req1 := NewAttributes()
	req1.Add("request", "choose_key")
	req1.Add("sig.a", "rsa-sha1")
	req1.Add("candidate", "author u@example.org")
	resp1 := d.Dispatch(req1)
	if got, _ := resp1.Get("sig.s"); got != "sel1" {
		t.Fatalf("rsa-sha1 selector = %q, want sel1", got)
	}
}

// TestDispatchSubdomainRewrite checks a dotted-suffix sender-options entry
// rewrites a subdomain candidate's signing domain to the configured parent.
func TestDispatchSubdomainRewrite(t *testing.T) {
	ks := newTestKeystore(t, declareKey(t, "example.com", "sel1", DeclarationOptions{}))
	resolver := NewOptionsResolver(TagMap{
		".example.com": {"d": "example.com"},
	})
	d := NewDispatcher(ks, resolver, nil)

	req := NewAttributes()
	req.Add("request", "choose_key")
	req.Add("candidate", "author bob@mail.example.com")
	resp := d.Dispatch(req)

	if got, _ := resp.Get("sig.d"); got != "example.com" {
		t.Fatalf("sig.d = %q, want example.com", got)
	}
	if got, _ := resp.Get("sig.s"); got != "sel1" {
		t.Fatalf("sig.s = %q, want sel1", got)
	}
}

// TestDispatchNoKeyAvailable checks a choose_key request against an empty
// key store reports failure instead of choosing a candidate.
func TestDispatchNoKeyAvailable(t *testing.T) {
	ks := newTestKeystore(t)
	d := NewDispatcher(ks, NewOptionsResolver(), nil)

	chooseReq := NewAttributes()
	chooseReq.Add("request", "choose_key")
	chooseReq.Add("candidate", "author x@unknown.test")
	chooseResp := d.Dispatch(chooseReq)

	if _, ok := chooseResp.Get("sig.s"); ok {
		t.Fatalf("expected no sig.s for unknown domain")
	}
	if _, ok := chooseResp.Get("chosen_candidate"); ok {
		t.Fatalf("expected no chosen_candidate for unknown domain")
	}

	signReq := NewAttributes()
	signReq.Add("request", "sign")
	signReq.Add("d", "unknown.test")
	signReq.Add("s", "anything")
	signReq.Add("digest_alg", "sha256")
	signReq.Add("digest", "AAAA")
	signResp := d.Dispatch(signReq)

	if got, _ := signResp.Get("reason"); got != "cannot sign, signing key not available" {
		t.Fatalf("reason = %q, want %q", got, "cannot sign, signing key not available")
	}
	if _, ok := signResp.Get("b"); ok {
		t.Fatalf("expected no b on failure")
	}
}

func TestDispatchUnknownRequestType(t *testing.T) {
	ks := newTestKeystore(t)
	d := NewDispatcher(ks, NewOptionsResolver(), nil)

	req := NewAttributes()
	req.Add("request", "frobnicate")
	req.Add("request_id", "r1")
	resp := d.Dispatch(req)

	if got, _ := resp.Get("request_id"); got != "r1" {
		t.Fatalf("request_id = %q, want echoed r1", got)
	}
	if got, _ := resp.Get("reason"); got != "unknown request type" {
		t.Fatalf("reason = %q, want %q", got, "unknown request type")
	}
}
