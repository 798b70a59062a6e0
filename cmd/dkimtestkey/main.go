// Command dkimtestkey is an operator diagnostic for a declared DKIM key: it
// cross-checks the locally configured private key against the public key
// published in DNS, and optionally signs a sample message end-to-end to
// confirm the key itself is usable.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dkimsignd/dkimsignd/dkim"
	ravendns "github.com/dkimsignd/dkimsignd/dns"
)

func main() {
	domain := flag.String("domain", "", "signing domain (d=)")
	selector := flag.String("selector", "", "selector (s=)")
	keyFile := flag.String("key", "", "path to the PEM-encoded RSA private key")
	sign := flag.Bool("sign", false, "sign a sample message with the key and print the DKIM-Signature header")
	timeout := flag.Duration("timeout", 10*time.Second, "DNS query timeout")
	flag.Parse()

	if *domain == "" || *selector == "" || *keyFile == "" {
		fmt.Fprintln(os.Stderr, "usage: dkimtestkey -domain example.com -selector sel1 -key /path/to/key.pem")
		os.Exit(2)
	}

	key, err := loadPrivateKey(*keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dkimtestkey: %v\n", err)
		os.Exit(1)
	}

	if err := checkDNS(*domain, *selector, key, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "dkimtestkey: DNS check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK: published DNS record matches the local private key")

	if *sign {
		header, err := selftest(*domain, *selector, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dkimtestkey: selftest failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("OK: sample message signed successfully")
		fmt.Print(header)
	}
}

// loadPrivateKey reads a PEM-encoded RSA private key in either PKCS#1 or
// PKCS#8 form, the two forms this daemon's key store accepts.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("key is neither PKCS#1 nor PKCS#8 RSA: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not an RSA key (got %T)", parsed)
	}
	return rsaKey, nil
}

// checkDNS fetches the live <selector>._domainkey.<domain> TXT record and
// confirms it advertises the same public modulus as the local private key.
func checkDNS(domain, selector string, key *rsa.PrivateKey, timeout time.Duration) error {
	resolver := ravendns.NewResolver(ravendns.ResolverConfig{Timeout: timeout})

	name := selector + "._domainkey." + domain
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", name, err)
	}

	var rec *dkim.Record
	for _, txt := range result.Records {
		parsed, isDKIM, err := dkim.ParseRecord(txt)
		if err != nil || !isDKIM {
			continue
		}
		rec = parsed
		break
	}
	if rec == nil {
		return fmt.Errorf("no parseable DKIM record found at %s", name)
	}
	if rec.PublicKey == nil {
		return fmt.Errorf("published record at %s has no public key (revoked?)", name)
	}

	if rec.PublicKey.N.Cmp(key.PublicKey.N) != 0 || rec.PublicKey.E != key.PublicKey.E {
		expected, _ := rec.ToTXT()
		return fmt.Errorf("published public key does not match the local private key; record published was: %s", expected)
	}
	return nil
}

// selftest signs a minimal well-formed RFC 5322 message end-to-end with the
// given key and returns the generated DKIM-Signature header, confirming the
// key itself produces a usable signature.
func selftest(domain, selector string, key *rsa.PrivateKey) (string, error) {
	message := "From: test@" + domain + "\r\n" +
		"To: recipient@example.com\r\n" +
		"Subject: dkimtestkey selftest\r\n" +
		"Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n" +
		"\r\n" +
		"This is a test message generated by dkimtestkey.\r\n"

	signer := &dkim.Signer{
		Domain:                 domain,
		Selector:               selector,
		PrivateKey:             key,
		HeaderCanonicalization: dkim.CanonRelaxed,
		BodyCanonicalization:   dkim.CanonRelaxed,
		Hash:                   "sha256",
	}
	return signer.Sign([]byte(message))
}
