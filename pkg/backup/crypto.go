package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/timevault/pkg/identity"
)

const (
	// SaltLength is the length of the snapshot salt in bytes.
	SaltLength = 32

	// HMACLength is the length of the HMAC-SHA256 tag in bytes.
	HMACLength = 32

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12
)

// HKDF info strings. Distinct labels keep the encryption and MAC keys
// independent even though both come from the same master key.
const (
	hkdfInfoEncryption = "timevault-snapshot-encryption"
	hkdfInfoMAC        = "timevault-snapshot-mac"
)

// GenerateSalt generates a cryptographically secure random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKeys derives the encryption and MAC keys from a passphrase and salt.
// The master key comes from Argon2id with the same cost parameters the
// account layer uses, then HKDF-SHA256 splits it into two independent keys.
func DeriveKeys(passphrase, salt []byte) (encKey, macKey []byte, err error) {
	if len(passphrase) == 0 {
		return nil, nil, ErrEmptyPassphrase
	}

	masterKey := argon2.IDKey(passphrase, salt,
		identity.Argon2Time, identity.Argon2Memory, identity.Argon2Threads, KeyLength)
	defer identity.SecureWipe(masterKey)

	encKey, err = deriveHKDF(masterKey, []byte(hkdfInfoEncryption))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	macKey, err = deriveHKDF(masterKey, []byte(hkdfInfoMAC))
	if err != nil {
		identity.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("failed to derive MAC key: %w", err)
	}

	return encKey, macKey, nil
}

// deriveHKDF derives a key using HKDF-SHA256.
func deriveHKDF(secret, info []byte) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, secret, nil, info)
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptPayload encrypts the payload using AES-256-GCM with a fresh random
// nonce. The nonce is prepended to the returned ciphertext.
func EncryptPayload(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the ciphertext and tag after the nonce.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptPayload decrypts data produced by EncryptPayload. Any error from
// the cipher is collapsed into ErrDecryptionFailed so callers cannot
// distinguish a wrong passphrase from tampering.
func DecryptPayload(data, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(data) < NonceLength+gcm.Overhead() {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := data[:NonceLength], data[NonceLength:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("invalid key length: %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// ComputeHMAC computes HMAC-SHA256 over the given data.
func ComputeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyHMAC verifies the HMAC-SHA256 of the given data in constant time.
func VerifyHMAC(data, expectedMAC, key []byte) bool {
	return hmac.Equal(ComputeHMAC(data, key), expectedMAC)
}

// ReadKeyFile reads a 32-byte encryption key from a file.
func ReadKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(key) != KeyLength {
		identity.SecureWipe(key)
		return nil, ErrInvalidKeyFile
	}
	return key, nil
}

// GenerateKeyFile generates a random 32-byte key and writes it with 0600
// permissions. The file must be backed up separately from the snapshot.
func GenerateKeyFile(path string) error {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	defer identity.SecureWipe(key)

	if err := os.WriteFile(path, key, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
