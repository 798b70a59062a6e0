package dkim

import (
	"bytes"
	"hash"
	"strings"
)

var crlf = []byte("\r\n")

var unfoldReplacer = strings.NewReplacer("\r\n\t", " ", "\r\n ", " ", "\n\t", " ", "\n ", " ")

// compressWSP collapses runs of space/tab into a single space, shared by the
// header and body canonicalizers since RFC 6376 §3.4.4 applies the same rule
// to both.
func compressWSP(b []byte) []byte {
	out := make([]byte, 0, len(b))
	prevWS := false
	for _, c := range b {
		if c == ' ' || c == '\t' {
			if !prevWS {
				out = append(out, ' ')
				prevWS = true
			}
			continue
		}
		out = append(out, c)
		prevWS = false
	}
	return out
}

// canonicalizeHeaderRelaxed lowercases the header name, unfolds continuation
// lines, compresses internal whitespace, and trims trailing whitespace from
// the value, per RFC 6376 §3.4.2.
func canonicalizeHeaderRelaxed(header []byte) ([]byte, error) {
	idx := bytes.IndexByte(header, ':')
	if idx == -1 {
		return nil, ErrHeaderMalformed
	}

	name := bytes.ToLower(bytes.TrimRight(header[:idx], " \t"))
	value := []byte(unfoldReplacer.Replace(string(header[idx+1:])))
	value = bytes.TrimSpace(compressWSP(value))

	out := make([]byte, 0, len(name)+1+len(value))
	out = append(out, name...)
	out = append(out, ':')
	out = append(out, value...)
	return out, nil
}

// splitLines splits body on '\n', keeping the trailing '\n' on each line,
// the way the message was actually laid out on the wire. A final element
// produced only because body ends in '\n' is dropped; it is not a line of
// its own.
func splitLines(body []byte) [][]byte {
	lines := bytes.SplitAfter(body, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	return lines
}

// computeBodyHash hashes a complete, already-buffered message body under the
// given canonicalization. The daemon's own sign requests never reach this
// path (the filter hands over a pre-computed digest); only the operator
// selftest signer in sign.go, which always holds a full message in memory,
// calls it, so it operates directly on a byte slice rather than streaming
// from an io.Reader.
func computeBodyHash(h hash.Hash, canonicalization Canonicalization, body []byte) []byte {
	if canonicalization == CanonSimple {
		bodyHashSimple(h, body)
	} else {
		bodyHashRelaxed(h, body)
	}
	return h.Sum(nil)
}

// bodyHashSimple implements RFC 6376 §3.4.3: the body is hashed unchanged
// except that a block of trailing CRLFs collapses to exactly one, and an
// empty body is treated as a single CRLF.
func bodyHashSimple(h hash.Hash, body []byte) {
	trailingCRLF := 0
	for _, line := range splitLines(body) {
		hasCRLF := bytes.HasSuffix(line, crlf)
		if hasCRLF {
			line = line[:len(line)-2]
		}
		if len(line) > 0 {
			for i := 0; i < trailingCRLF; i++ {
				h.Write(crlf)
			}
			trailingCRLF = 0
			h.Write(line)
		}
		if hasCRLF {
			trailingCRLF++
		}
	}
	h.Write(crlf)
}

// bodyHashRelaxed implements RFC 6376 §3.4.4: trailing whitespace on each
// line is dropped, internal whitespace runs collapse to one space, and
// trailing empty lines are ignored entirely. Unlike the simple algorithm, an
// empty body hashes as the empty string: the final-CRLF rule only fires once
// non-empty content has been seen.
func bodyHashRelaxed(h hash.Hash, body []byte) {
	emptyLines := 0
	bodyNonEmpty := false
	lastLineHadCRLF := false

	for _, line := range splitLines(body) {
		bodyNonEmpty = true

		hasCRLF := bytes.HasSuffix(line, crlf)
		if hasCRLF {
			line = line[:len(line)-2]
		}
		processed := compressWSP(bytes.TrimRight(line, " \t"))

		if len(processed) == 0 {
			if hasCRLF {
				emptyLines++
			}
			lastLineHadCRLF = hasCRLF
			continue
		}

		for i := 0; i < emptyLines; i++ {
			h.Write(crlf)
		}
		emptyLines = 0

		h.Write(processed)
		if hasCRLF {
			h.Write(crlf)
		}
		lastLineHadCRLF = hasCRLF
	}

	if bodyNonEmpty && !lastLineHadCRLF && emptyLines == 0 {
		h.Write(crlf)
	}
}

// computeDataHash hashes the signed headers (most recent instance of each,
// in the order the h= tag lists them) followed by the DKIM-Signature header
// itself with an empty b= tag, per RFC 6376 §3.7.
func computeDataHash(h hash.Hash, canonicalization Canonicalization, headers []headerData, signedHeaders []string, sigHeader []byte) ([]byte, error) {
	byName := make(map[string][]headerData)
	for i := len(headers) - 1; i >= 0; i-- {
		lkey := headers[i].lkey
		byName[lkey] = append(byName[lkey], headers[i])
	}

	for _, name := range signedHeaders {
		lkey := strings.ToLower(name)
		remaining := byName[lkey]
		if len(remaining) == 0 {
			continue
		}
		hdr := remaining[0]
		byName[lkey] = remaining[1:]

		if canonicalization == CanonSimple {
			h.Write(bytes.TrimSuffix(hdr.raw, crlf))
			h.Write(crlf)
			continue
		}
		canonical, err := canonicalizeHeaderRelaxed(hdr.raw)
		if err != nil {
			return nil, err
		}
		h.Write(canonical)
		h.Write(crlf)
	}

	if canonicalization == CanonSimple {
		h.Write(sigHeader)
	} else {
		canonical, err := canonicalizeHeaderRelaxed(sigHeader)
		if err != nil {
			return nil, err
		}
		h.Write(canonical)
	}

	return h.Sum(nil), nil
}

// headerData is one parsed header field, kept in both raw (wire-exact,
// across any folded continuation lines) and split (name/value) form.
type headerData struct {
	key   string
	lkey  string
	value []byte
	raw   []byte
}

// parseMessageHeaders splits a complete message into its header fields and
// the byte offset where the body begins. It works directly off the
// in-memory slice (the selftest signer never has anything less than the
// whole message) rather than through a buffered reader, so folded
// continuation lines are appended in place without a separate line-reading
// layer.
func parseMessageHeaders(data []byte) ([]headerData, int, error) {
	var headers []headerData
	var current *headerData
	pos := 0

	for {
		nl := bytes.IndexByte(data[pos:], '\n')
		if nl < 0 {
			return nil, 0, ErrHeaderMalformed
		}
		line := data[pos : pos+nl+1]
		if len(line) < 2 || line[len(line)-2] != '\r' {
			return nil, 0, ErrHeaderMalformed
		}
		pos += len(line)

		if bytes.Equal(line, crlf) {
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			if current == nil {
				return nil, 0, ErrHeaderMalformed
			}
			current.value = append(current.value, line...)
			current.raw = append(current.raw, line...)
			continue
		}

		if current != nil {
			headers = append(headers, *current)
		}

		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			return nil, 0, ErrHeaderMalformed
		}
		key := strings.TrimRight(string(line[:colon]), " \t")
		for _, c := range key {
			if c <= ' ' || c >= 0x7f {
				return nil, 0, ErrHeaderMalformed
			}
		}
		current = &headerData{
			key:   key,
			lkey:  strings.ToLower(key),
			value: bytes.Clone(line[colon+1:]),
			raw:   bytes.Clone(line),
		}
	}

	if current != nil {
		headers = append(headers, *current)
	}

	return headers, pos, nil
}
