// Package dkim implements the RSA signing primitive and public-record tag
// vocabulary for DKIM (RFC 6376) signatures.
//
// Unlike a full DKIM library, this package never computes a message's
// canonicalized header or body hash on behalf of a caller that already has
// one (see [Sign] for that narrow case); its two signing entry points are:
//
//   - [Sign], which performs an RSA PKCS#1 v1.5 signature over an
//     already-computed digest — the shape needed by a signing daemon that
//     receives a digest from an untrusted client and must never recompute
//     it from message bytes it cannot trust.
//   - [Signer], a full end-to-end RFC 5322 message signer used only for
//     local operator self-tests, where there is no untrusted client and the
//     canonicalization may safely happen in-process.
package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"time"
)

// Algorithm represents a DKIM signing algorithm (a= tag).
type Algorithm string

const (
	// AlgRSASHA256 is the RSA-SHA256 algorithm (required by RFC 6376).
	AlgRSASHA256 Algorithm = "rsa-sha256"

	// AlgRSASHA1 is the deprecated RSA-SHA1 algorithm, kept for compatibility.
	AlgRSASHA1 Algorithm = "rsa-sha1"
)

// Canonicalization represents header/body canonicalization algorithms.
type Canonicalization string

const (
	// CanonSimple uses the "simple" canonicalization algorithm.
	CanonSimple Canonicalization = "simple"

	// CanonRelaxed uses the "relaxed" canonicalization algorithm.
	CanonRelaxed Canonicalization = "relaxed"
)

// Common errors.
var (
	ErrHashAlgorithmUnknown = errors.New("dkim: unknown hash algorithm")
	ErrSigAlgorithmUnknown  = errors.New("dkim: unknown signature algorithm")
	ErrFromRequired         = errors.New("dkim: From header is required")
	ErrNotRSAKey            = errors.New("dkim: key is not an RSA private key")
	ErrHeaderMalformed      = errors.New("dkim: message header is malformed")
)

// DefaultSignedHeaders is the default list of headers signed by [Signer].
var DefaultSignedHeaders = []string{
	"From",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"In-Reply-To",
	"References",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
	"Reply-To",
}

// timeNow is used for testing.
var timeNow = time.Now

// cryptoRand is the random source for signing.
var cryptoRand = rand.Reader

// getHash maps a lowercase hash algorithm name to its [crypto.Hash] value.
func getHash(algorithm string) (crypto.Hash, bool) {
	switch algorithm {
	case "sha256":
		return crypto.SHA256, true
	case "sha1":
		return crypto.SHA1, true
	default:
		return 0, false
	}
}

// Sign performs a PKCS#1 v1.5 RSA signature over digest, which must already
// be the raw output of the named hash algorithm. This is the primitive the
// daemon's sign request uses: the digest was computed by an untrusted
// client and is trusted here only as an opaque byte string to sign.
func Sign(key *rsa.PrivateKey, hashAlg string, digest []byte) ([]byte, error) {
	h, ok := getHash(hashAlg)
	if !ok {
		return nil, ErrHashAlgorithmUnknown
	}
	return key.Sign(cryptoRand, digest, h)
}
