// Package userdb defines the recipient registry abstract interface
// consumed by internal/delivery, adapted from the teacher's
// userdb.UserDB (originally keyed by username + ECDH public key; this
// domain has no per-recipient transport key, only a fixed-width
// recipient identifier, so the public-key half of the teacher's
// interface is dropped).
package userdb

// MaxRecipientSize bounds the recipient identifier width, matching
// internal/delivery.RecipientIDSize.
const MaxRecipientSize = 32

// UserDB is the interface provided by all recipient database
// implementations; internal/delivery.UserDB is the subset it depends
// on.
type UserDB interface {
	// Exists reports whether recipient is a registered recipient.
	Exists(recipient []byte) bool

	// Add registers recipient as a valid delivery target.
	Add(recipient []byte) error

	// Remove deregisters recipient.
	Remove(recipient []byte) error

	// Close closes the UserDB instance.
	Close()
}
