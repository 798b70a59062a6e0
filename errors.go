package dkimsignd

import "errors"

var (
	ErrEmptyDomain        = errors.New("dkimsignd: domain must not be empty")
	ErrEmptySelector      = errors.New("dkimsignd: selector must not be empty")
	ErrDuplicateSelector  = errors.New("dkimsignd: selector already declared for domain")
	ErrKeyUnreadable      = errors.New("dkimsignd: could not read key file")
	ErrKeyMalformed       = errors.New("dkimsignd: key file does not contain a valid RSA private key")
	ErrNoKeyAvailable     = errors.New("dkimsignd: signing key not available")
	ErrMissingAttribute   = errors.New("dkimsignd: missing required attribute")
	ErrUnknownRequestType = errors.New("dkimsignd: unknown request type")
	ErrServerClosed       = errors.New("dkimsignd: server closed")
)
