// Package identity derives caller addresses from passphrases.
//
// An address is the hex encoding of an Argon2id digest over the passphrase
// and a per-account random salt. Ownership of a vault is proven by
// re-deriving the address: nothing secret is ever stored.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"runtime"

	"golang.org/x/crypto/argon2"

	"github.com/forest6511/timevault/pkg/engine"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// AddressLength is the derived address length in bytes (160 bits).
	AddressLength = 20

	// SaltLength is the per-account salt length in bytes (128 bits).
	SaltLength = 16
)

// AddressPrefix marks derived addresses in display form.
const AddressPrefix = "tv"

// Passphrase length limits.
const (
	MinPassphraseLength = 8
	MaxPassphraseLength = 128
)

// Errors
var (
	// ErrInvalidSalt indicates a salt that is not 16 bytes.
	ErrInvalidSalt = errors.New("identity: invalid salt length, must be 16 bytes")

	// ErrPassphraseTooShort indicates a passphrase under the minimum length.
	ErrPassphraseTooShort = errors.New("identity: passphrase must be at least 8 characters")

	// ErrPassphraseTooLong indicates a passphrase over the maximum length.
	ErrPassphraseTooLong = errors.New("identity: passphrase must be at most 128 characters")
)

// NewSalt generates a per-account random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("identity: failed to generate salt: %w", err)
	}
	return salt, nil
}

// Derive computes the address for a passphrase and salt. The same inputs
// always produce the same address.
func Derive(passphrase, salt []byte) (engine.Identity, error) {
	if len(salt) != SaltLength {
		return "", ErrInvalidSalt
	}
	digest := argon2.IDKey(passphrase, salt, Argon2Time, Argon2Memory, Argon2Threads, AddressLength)
	return engine.Identity(AddressPrefix + hex.EncodeToString(digest)), nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation. Used to destroy
// passphrase material after derivation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}

// Strength represents the estimated strength of a passphrase.
type Strength int

const (
	Weak Strength = iota
	Fair
	Good
	Strong
)

// String returns a human-readable representation of passphrase strength.
func (s Strength) String() string {
	switch s {
	case Weak:
		return "weak"
	case Fair:
		return "fair"
	case Good:
		return "good"
	case Strong:
		return "strong"
	default:
		return "unknown"
	}
}

// ValidationResult contains the result of passphrase validation.
type ValidationResult struct {
	Valid    bool     // Whether the passphrase meets minimum requirements
	Strength Strength // Estimated strength
	Warnings []string // Suggestions for improvement (not errors)
}

var (
	upperRe   = regexp.MustCompile(`[A-Z]`)
	lowerRe   = regexp.MustCompile(`[a-z]`)
	digitRe   = regexp.MustCompile(`\d`)
	specialRe = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>\-_=+\[\]\\;'~/\x60]`)
)

// ValidatePassphrase checks a passphrase against the hard length limits and
// estimates its strength. Complexity issues produce warnings, not errors.
func ValidatePassphrase(passphrase string) *ValidationResult {
	result := &ValidationResult{Valid: true, Strength: Fair}

	if len(passphrase) < MinPassphraseLength {
		result.Valid = false
		result.Strength = Weak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Passphrase must be at least %d characters", MinPassphraseLength))
		return result
	}
	if len(passphrase) > MaxPassphraseLength {
		result.Valid = false
		result.Strength = Weak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Passphrase must be at most %d characters", MaxPassphraseLength))
		return result
	}

	complexity := 0
	if upperRe.MatchString(passphrase) {
		complexity++
	}
	if lowerRe.MatchString(passphrase) {
		complexity++
	}
	if digitRe.MatchString(passphrase) {
		complexity++
	}
	if specialRe.MatchString(passphrase) {
		complexity++
	}

	if complexity < 2 {
		result.Warnings = append(result.Warnings,
			"Consider using a mix of uppercase, lowercase, numbers, and symbols")
	}
	if len(passphrase) < 12 {
		result.Warnings = append(result.Warnings,
			"Longer passphrases (12+ characters) are more secure")
	}

	switch {
	case complexity >= 3 && len(passphrase) >= 16:
		result.Strength = Strong
	case complexity >= 2 && len(passphrase) >= 12:
		result.Strength = Good
	case complexity >= 2 || len(passphrase) >= 12:
		result.Strength = Fair
	default:
		result.Strength = Weak
	}

	return result
}
