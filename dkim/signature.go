package dkim

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Signature represents a DKIM-Signature header (RFC 6376 Section 3.5) being
// built by [Signer]. The selftest tool only ever constructs one of these; it
// never parses one back, since nothing in this daemon verifies signatures.
type Signature struct {
	Algorithm        string   // a= Algorithm (e.g., "rsa-sha256")
	Signature        []byte   // b= Signature data
	BodyHash         []byte   // bh= Body hash
	Domain           string   // d= Signing domain
	SignedHeaders    []string // h= Signed header fields
	Selector         string   // s= Selector
	Canonicalization string   // c= Canonicalization (e.g., "relaxed/simple")
	SignTime         int64    // t= Signature timestamp (-1 if not set)
	ExpireTime       int64    // x= Signature expiration (-1 if not set)
}

// NewSignature creates a new Signature with default values.
func NewSignature() *Signature {
	return &Signature{
		Canonicalization: "simple/simple",
		SignTime:         -1,
		ExpireTime:       -1,
	}
}

// headerWriter builds a DKIM-Signature header with RFC 5322 folding.
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

func (w *headerWriter) add(sep, text string) {
	const maxLen = 76

	n := len(text)
	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+n > maxLen {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if w.nonfirst && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
	w.nonfirst = true
}

func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

// addWrap adds data that can be wrapped at any position (like base64).
func (w *headerWriter) addWrap(data []byte) {
	const maxLen = 76
	for len(data) > 0 {
		n := maxLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = maxLen - 1
		}
		if n > len(data) {
			n = len(data)
		}
		w.b.Write(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

func (w *headerWriter) String() string {
	return w.b.String()
}

// Header generates the DKIM-Signature header string. If includeSignature is
// false, the b= value is left empty so the header can be hashed to produce
// the signature that fills it in.
//
// The l= and z= tags are never emitted; this daemon's signer, like its
// teacher, does not use body-length limits or copied-header tags.
func (s *Signature) Header(includeSignature bool) (string, error) {
	w := &headerWriter{}

	w.addf("", "DKIM-Signature: v=%d;", 1)
	w.addf(" ", "d=%s;", s.Domain)
	w.addf(" ", "s=%s;", s.Selector)
	w.addf(" ", "a=%s;", s.Algorithm)

	if s.Canonicalization != "" &&
		!strings.EqualFold(s.Canonicalization, "simple") &&
		!strings.EqualFold(s.Canonicalization, "simple/simple") {
		w.addf(" ", "c=%s;", s.Canonicalization)
	}

	if s.SignTime >= 0 {
		w.addf(" ", "t=%d;", s.SignTime)
	}
	if s.ExpireTime >= 0 {
		w.addf(" ", "x=%d;", s.ExpireTime)
	}

	if len(s.SignedHeaders) > 0 {
		for i, h := range s.SignedHeaders {
			sep := ""
			if i == 0 {
				h = "h=" + h
				sep = " "
			}
			if i < len(s.SignedHeaders)-1 {
				h += ":"
			} else {
				h += ";"
			}
			w.add(sep, h)
		}
	}

	w.addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))

	w.add(" ", "b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)))
	}

	return w.String(), nil
}
