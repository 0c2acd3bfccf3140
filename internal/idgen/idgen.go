// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes identify the record type an ID belongs to.
const (
	SessionPrefix     = "ses-"
	TransactionPrefix = "txn-"
	PatronPrefix      = "pat-"
	TokenPrefix       = "tok-"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 16

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

func NewSessionID() (string, error)     { return GenerateWithPrefix(SessionPrefix) }
func NewTransactionID() (string, error) { return GenerateWithPrefix(TransactionPrefix) }
func NewPatronID() (string, error)      { return GenerateWithPrefix(PatronPrefix) }
func NewTokenID() (string, error)       { return GenerateWithPrefix(TokenPrefix) }
