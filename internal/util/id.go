package util

import (
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// Entity id prefixes.
const (
	IDPrefixOrder       = "odr_"
	IDPrefixPlaybook    = "pb_"
	IDPrefixTransaction = "txn_"
)

// NewID returns prefix followed by a random UUID in base58.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + base58.Encode(u[:])
}
