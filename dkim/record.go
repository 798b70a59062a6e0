package dkim

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// Record represents a DKIM DNS TXT record (RFC 6376 Section 3.6.1) as
// published at <selector>._domainkey.<domain>. It is used only by the
// dkimtestkey diagnostic (see cmd/dkimtestkey), which fetches the live
// record and checks that it advertises the same public key as a locally
// declared private key.
type Record struct {
	// Version is the record version, must be "DKIM1".
	Version string

	// Hashes is the list of acceptable hash algorithms (e.g., "sha256", "sha1").
	// Empty means all algorithms are acceptable.
	Hashes []string

	// Key is the key type: "rsa" is the only type this daemon signs with.
	Key string

	// Notes contains optional human-readable notes.
	Notes string

	// Pubkey is the raw public key data (base64-decoded).
	// Empty means the key has been revoked.
	Pubkey []byte

	// Services lists acceptable service types.
	// Empty or containing "*" means all services.
	Services []string

	// Flags contains key flags, e.g. "s" (i= domain must exactly match d=).
	Flags []string

	// PublicKey is the parsed *rsa.PublicKey, or nil for a revoked key.
	PublicKey *rsa.PublicKey
}

// HashAllowed returns true if the given hash algorithm is allowed.
func (r *Record) HashAllowed(hash string) bool {
	if len(r.Hashes) == 0 {
		return true
	}
	for _, h := range r.Hashes {
		if strings.EqualFold(h, hash) {
			return true
		}
	}
	return false
}

// ToTXT renders the record as the DNS TXT string an administrator would
// publish, so dkimtestkey can show the expected value alongside a mismatch.
func (r *Record) ToTXT() (string, error) {
	parts := []string{"v=DKIM1"}

	if len(r.Hashes) > 0 {
		parts = append(parts, "h="+strings.Join(r.Hashes, ":"))
	}
	if r.Notes != "" {
		parts = append(parts, "n="+EncodeQuotedPrintable(r.Notes))
	}
	if len(r.Services) > 0 && !(len(r.Services) == 1 && r.Services[0] == "*") {
		parts = append(parts, "s="+strings.Join(r.Services, ":"))
	}
	if len(r.Flags) > 0 {
		parts = append(parts, "t="+strings.Join(r.Flags, ":"))
	}

	pk := r.Pubkey
	if len(pk) == 0 && r.PublicKey != nil {
		var err error
		pk, err = x509.MarshalPKIXPublicKey(r.PublicKey)
		if err != nil {
			return "", err
		}
	}
	parts = append(parts, "p="+base64.StdEncoding.EncodeToString(pk))

	return strings.Join(parts, "; "), nil
}

// EncodeQuotedPrintable encodes a string for use in a DKIM n= note, per the
// restricted quoted-printable alphabet RFC 6376 Section 3.2 requires
// ("dkim-quoted-printable").
func EncodeQuotedPrintable(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range []byte(s) {
		if c > ' ' && c < 0x7f && c != '=' && c != ';' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// DecodeQuotedPrintable reverses [EncodeQuotedPrintable].
func DecodeQuotedPrintable(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) {
			hi := hexVal(s[i+1])
			lo := hexVal(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// ParseRecord parses a DKIM DNS TXT record. Returns the parsed record and a
// boolean indicating whether the text looked like a DKIM record at all.
func ParseRecord(txt string) (*Record, bool, error) {
	record := &Record{
		Version:  "DKIM1",
		Key:      "rsa",
		Services: []string{"*"},
	}

	seen := make(map[string]bool)
	isDKIM := false

	for _, part := range strings.Split(txt, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx == -1 {
			continue
		}
		tag := strings.TrimSpace(part[:idx])
		value := strings.TrimSpace(part[idx+1:])

		if seen[tag] {
			if isDKIM {
				return nil, true, fmt.Errorf("dkim: duplicate tag %s", tag)
			}
			continue
		}
		seen[tag] = true

		switch tag {
		case "v":
			if value != "DKIM1" {
				return nil, false, fmt.Errorf("dkim: not a DKIM1 record")
			}
			record.Version = value
			isDKIM = true

		case "h":
			for _, h := range strings.Split(value, ":") {
				if h = strings.TrimSpace(h); h != "" {
					record.Hashes = append(record.Hashes, h)
				}
			}
			isDKIM = true

		case "k":
			record.Key = strings.ToLower(value)
			isDKIM = true

		case "n":
			record.Notes = DecodeQuotedPrintable(value)
			isDKIM = true

		case "p":
			cleaned := strings.Map(func(r rune) rune {
				if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
					return -1
				}
				return r
			}, value)
			if cleaned != "" {
				decoded, err := base64.StdEncoding.DecodeString(cleaned)
				if err != nil {
					return nil, isDKIM, fmt.Errorf("dkim: invalid public key encoding: %w", err)
				}
				record.Pubkey = decoded
			}
			isDKIM = true

		case "s":
			record.Services = nil
			for _, s := range strings.Split(value, ":") {
				if s = strings.TrimSpace(s); s != "" {
					record.Services = append(record.Services, s)
				}
			}
			isDKIM = true

		case "t":
			for _, f := range strings.Split(value, ":") {
				if f = strings.TrimSpace(f); f != "" {
					record.Flags = append(record.Flags, f)
				}
			}
			isDKIM = true
		}
	}

	if !isDKIM {
		return nil, false, fmt.Errorf("dkim: not a DKIM record")
	}
	if !seen["p"] {
		return nil, true, fmt.Errorf("dkim: missing public key (p=)")
	}

	if !strings.EqualFold(record.Key, "rsa") {
		return nil, true, fmt.Errorf("dkim: unsupported key type %q", record.Key)
	}

	if len(record.Pubkey) > 0 {
		pk, err := x509.ParsePKIXPublicKey(record.Pubkey)
		if err != nil {
			return nil, true, fmt.Errorf("dkim: invalid RSA public key: %w", err)
		}
		rsaPK, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, true, fmt.Errorf("dkim: expected RSA public key, got %T", pk)
		}
		record.PublicKey = rsaPK
	}

	return record, true, nil
}
