// Package backup creates and restores encrypted snapshots of a timevault
// data directory. A snapshot captures the store files, and optionally the
// audit log and token metadata, as one encrypted unit so a restore always
// yields a self-consistent state.
package backup

import "errors"

// Snapshot errors
var (
	// ErrInvalidMagic indicates the file is not a timevault snapshot.
	ErrInvalidMagic = errors.New("invalid snapshot file: magic number mismatch")

	// ErrUnsupportedVersion indicates the snapshot format version is newer
	// than this build understands.
	ErrUnsupportedVersion = errors.New("unsupported snapshot format version")

	// ErrIntegrityFailed indicates the HMAC over the snapshot did not verify.
	ErrIntegrityFailed = errors.New("snapshot integrity check failed: HMAC mismatch")

	// ErrDecryptionFailed indicates a wrong passphrase or a corrupted payload.
	ErrDecryptionFailed = errors.New("snapshot decryption failed: wrong passphrase or corrupted data")

	// ErrDataDirExists indicates the restore target already holds a data directory.
	ErrDataDirExists = errors.New("data directory already exists at restore target")

	// ErrInvalidKeyFile indicates the key file is not exactly 32 bytes.
	ErrInvalidKeyFile = errors.New("invalid key file: must be exactly 32 bytes")

	// ErrEmptyPassphrase indicates no passphrase was provided.
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")
)
