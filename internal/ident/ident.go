package ident

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter separates the client id from the local order id. It must not
// appear in either component.
const Delimiter = "§"

var (
	// ErrInvalidIdentifier is returned by Encode when a component contains Delimiter
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrMalformedIdentifier is returned by Decode when Delimiter is absent
	ErrMalformedIdentifier = errors.New("malformed identifier")
)

// Encode joins clientID and localID into a composite id
func Encode(clientID, localID string) (string, error) {
	if strings.Contains(clientID, Delimiter) {
		return "", fmt.Errorf("%w: client id %q contains delimiter", ErrInvalidIdentifier, clientID)
	}
	if strings.Contains(localID, Delimiter) {
		return "", fmt.Errorf("%w: local order id %q contains delimiter", ErrInvalidIdentifier, localID)
	}
	return clientID + Delimiter + localID, nil
}

// Decode splits a composite id on the first Delimiter
func Decode(composite string) (clientID, localID string, err error) {
	clientID, localID, ok := strings.Cut(composite, Delimiter)
	if !ok {
		return "", "", fmt.Errorf("%w: %q has no delimiter", ErrMalformedIdentifier, composite)
	}
	return clientID, localID, nil
}

// ClientID returns the client id embedded in composite
func ClientID(composite string) (string, error) {
	clientID, _, err := Decode(composite)
	return clientID, err
}
