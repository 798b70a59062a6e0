package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"testing"
)

func TestParseRecordRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshaling public key: %v", err)
	}

	txt := "v=DKIM1; h=sha256; s=email; p=" + base64.StdEncoding.EncodeToString(pubBytes)

	rec, isDKIM, err := ParseRecord(txt)
	if err != nil {
		t.Fatalf("ParseRecord() error: %v", err)
	}
	if !isDKIM {
		t.Fatal("ParseRecord() should recognize a DKIM1 record")
	}
	if rec.PublicKey == nil {
		t.Fatal("ParseRecord() should populate PublicKey")
	}
	if rec.PublicKey.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("parsed public key modulus does not match")
	}
	if !rec.HashAllowed("sha256") {
		t.Error("HashAllowed(sha256) should be true")
	}
	if rec.HashAllowed("sha1") {
		t.Error("HashAllowed(sha1) should be false when h= restricts to sha256")
	}

	rendered, err := rec.ToTXT()
	if err != nil {
		t.Fatalf("ToTXT() error: %v", err)
	}
	reparsed, isDKIM, err := ParseRecord(rendered)
	if err != nil || !isDKIM {
		t.Fatalf("re-parsing ToTXT() output failed: err=%v isDKIM=%v", err, isDKIM)
	}
	if reparsed.PublicKey.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("round-tripped record has a different public key")
	}
}

func TestParseRecordRevokedKey(t *testing.T) {
	rec, isDKIM, err := ParseRecord("v=DKIM1; p=")
	if err != nil {
		t.Fatalf("ParseRecord() error: %v", err)
	}
	if !isDKIM {
		t.Fatal("a v=DKIM1 record with an empty p= is still a DKIM record")
	}
	if rec.PublicKey != nil {
		t.Error("a revoked (empty p=) record should have a nil PublicKey")
	}
}

func TestParseRecordNotDKIM(t *testing.T) {
	_, isDKIM, err := ParseRecord("this is not a DKIM record at all")
	if err == nil || isDKIM {
		t.Error("ParseRecord() on non-DKIM text should report isDKIM=false with an error")
	}
}

func TestParseRecordWrongVersion(t *testing.T) {
	_, _, err := ParseRecord("v=DKIM2; p=AAAA")
	if err == nil {
		t.Error("ParseRecord() should reject a non-DKIM1 version")
	}
}

func TestEncodeDecodeQuotedPrintable(t *testing.T) {
	cases := []string{"plain text", "semi;colon", "equals=sign", "", "tab\ttab"}
	for _, c := range cases {
		encoded := EncodeQuotedPrintable(c)
		if got := DecodeQuotedPrintable(encoded); got != c {
			t.Errorf("round trip for %q = %q", c, got)
		}
	}
}
