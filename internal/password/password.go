// Package password defines the injected password-hashing capability and its
// bcrypt implementation.
package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// VerifyResult is the outcome of a password verification.
type VerifyResult int

const (
	// VerifyFailed means the password does not match the hash.
	VerifyFailed VerifyResult = iota
	// VerifySuccess means the password matches.
	VerifySuccess
	// VerifySuccessRehash means the password matches but the hash was
	// produced with outdated parameters and should be regenerated.
	VerifySuccessRehash
)

// Hasher is the capability consumed by the login and sub-user services.
// The identity parameter lets implementations salt or pepper per account.
type Hasher interface {
	Hash(identity, plaintext string) (string, error)
	Verify(identity, hash, plaintext string) (VerifyResult, error)
}

// Bcrypt implements Hasher with bcrypt at a configurable cost.
type Bcrypt struct {
	cost int
}

// NewBcrypt creates a bcrypt hasher. Costs outside bcrypt's valid range fall
// back to the library default.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

// Hash derives a bcrypt hash of the plaintext.
func (b *Bcrypt) Hash(identity, plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), b.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify compares plaintext against the stored hash. A match made against a
// hash with a lower cost than configured reports VerifySuccessRehash.
func (b *Bcrypt) Verify(identity, hash, plaintext string) (VerifyResult, error) {
	if hash == "" {
		return VerifyFailed, errors.New("password hash is empty")
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return VerifyFailed, nil
	}
	if err != nil {
		return VerifyFailed, err
	}
	cost, err := bcrypt.Cost([]byte(hash))
	if err == nil && cost < b.cost {
		return VerifySuccessRehash, nil
	}
	return VerifySuccess, nil
}
