package dkim

import (
	"crypto/rsa"
	"fmt"
	"strings"
	"time"
)

// Signer signs a complete RFC 5322 message end-to-end, computing its own
// canonicalized header and body hashes. It exists for the operator selftest
// tool (see cmd/dkimtestkey): the daemon's sign request never uses this path
// because it never holds the message bytes, only a pre-computed digest (see
// [Sign]).
type Signer struct {
	// Domain is the signing domain (d= tag).
	Domain string

	// Selector is the selector for the signing key (s= tag).
	Selector string

	// PrivateKey is the RSA signing key.
	PrivateKey *rsa.PrivateKey

	// Headers is the list of headers to sign. If empty, DefaultSignedHeaders
	// is used.
	Headers []string

	// HeaderCanonicalization is the header canonicalization algorithm.
	// Default is CanonRelaxed.
	HeaderCanonicalization Canonicalization

	// BodyCanonicalization is the body canonicalization algorithm.
	// Default is CanonRelaxed.
	BodyCanonicalization Canonicalization

	// Hash is the hash algorithm name (e.g., "sha256"). Default is "sha256".
	Hash string

	// Expiration is the signature validity period. If zero, no expiration
	// is set.
	Expiration time.Duration
}

// Sign signs message (a complete headers+body RFC 5322 message) and returns
// the DKIM-Signature header, including its trailing CRLF.
func (s *Signer) Sign(message []byte) (string, error) {
	headers, bodyOffset, err := parseMessageHeaders(message)
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}

	fromCount := 0
	for _, h := range headers {
		if h.lkey == "from" {
			fromCount++
		}
	}
	if fromCount != 1 {
		return "", fmt.Errorf("%w: message has %d From headers, need exactly 1", ErrFromRequired, fromCount)
	}

	hashAlg := strings.ToLower(s.Hash)
	if hashAlg == "" {
		hashAlg = "sha256"
	}
	var alg Algorithm
	switch hashAlg {
	case "sha256":
		alg = AlgRSASHA256
	case "sha1":
		alg = AlgRSASHA1
	default:
		return "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
	}
	h, ok := getHash(hashAlg)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
	}

	sig := NewSignature()
	sig.Domain = s.Domain
	sig.Selector = s.Selector
	sig.Algorithm = string(alg)

	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = CanonRelaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = CanonRelaxed
	}
	sig.Canonicalization = string(headerCanon) + "/" + string(bodyCanon)

	signedHeaders := s.Headers
	if len(signedHeaders) == 0 {
		signedHeaders = DefaultSignedHeaders
	}
	hasFrom := false
	for _, h := range signedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		signedHeaders = append([]string{"From"}, signedHeaders...)
	}

	present := make(map[string]bool)
	for _, hdr := range headers {
		present[hdr.lkey] = true
	}
	var finalSignedHeaders []string
	for _, name := range signedHeaders {
		if present[strings.ToLower(name)] {
			finalSignedHeaders = append(finalSignedHeaders, name)
		}
	}
	sig.SignedHeaders = finalSignedHeaders

	sig.SignTime = timeNow().Unix()
	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.Expiration.Seconds())
	}

	body := message[bodyOffset:]
	sig.BodyHash = computeBodyHash(h.New(), bodyCanon, body)

	sigHeader, err := sig.Header(false)
	if err != nil {
		return "", fmt.Errorf("generating signature header: %w", err)
	}

	dataHash, err := computeDataHash(h.New(), headerCanon, headers, finalSignedHeaders, []byte(sigHeader))
	if err != nil {
		return "", fmt.Errorf("computing data hash: %w", err)
	}

	signature, err := Sign(s.PrivateKey, hashAlg, dataHash)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig.Signature = signature

	finalHeader, err := sig.Header(true)
	if err != nil {
		return "", fmt.Errorf("generating final signature header: %w", err)
	}

	return finalHeader + "\r\n", nil
}
