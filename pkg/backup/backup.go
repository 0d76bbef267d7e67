package backup

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/timevault/pkg/identity"
	"github.com/forest6511/timevault/pkg/store"
)

// Subdirectories of the data directory captured by a snapshot. These match
// the layout the service package creates.
const (
	auditDirName    = "audit"
	metadataDirName = "metadata"
)

// CreateOptions controls snapshot creation.
type CreateOptions struct {
	// Output receives the encrypted snapshot.
	Output io.Writer
	// Passphrase for key derivation. Ignored when KeyFile is set.
	Passphrase []byte
	// KeyFile path holding a raw 32-byte key (overrides Passphrase).
	KeyFile string
	// IncludeAudit captures the audit log segments.
	IncludeAudit bool
	// IncludeMetadata captures the token metadata documents.
	IncludeMetadata bool
}

// RestoreOptions controls snapshot restoration.
type RestoreOptions struct {
	// DataDir is the restore target. Defaults to ~/.timevault.
	DataDir string
	// Passphrase for decryption. Ignored when KeyFile is set.
	Passphrase []byte
	// KeyFile path holding the raw 32-byte key (overrides Passphrase).
	KeyFile string
	// DryRun verifies and reports without writing anything.
	DryRun bool
	// Overwrite replaces an existing data directory at the target.
	Overwrite bool
}

// RestoreResult reports what a restore did.
type RestoreResult struct {
	// VaultsRestored is the number of vaults in the restored state.
	VaultsRestored int
	// AccountsRestored is the number of accounts in the restored state.
	AccountsRestored int
	// AuditRestored indicates audit log segments were written.
	AuditRestored bool
	// MetadataRestored indicates token metadata documents were written.
	MetadataRestored bool
	// DryRun indicates nothing was written.
	DryRun bool
}

// VerifyResult reports snapshot integrity without restoring.
type VerifyResult struct {
	Valid            bool
	Version          int
	CreatedAt        time.Time
	VaultCount       int
	AccountCount     int
	IncludesAudit    bool
	IncludesMetadata bool
	Error            string
}

// Create writes an encrypted snapshot of the data directory at dataDir.
// The directory must not be held open by another process; Create briefly
// takes the store lock to read a consistent state.
func Create(dataDir string, opts CreateOptions) error {
	if opts.Output == nil {
		return fmt.Errorf("output writer is required")
	}

	encKey, macKey, kdfParams, encMode, err := keysForCreate(opts)
	if err != nil {
		return err
	}
	defer identity.SecureWipe(encKey)
	defer identity.SecureWipe(macKey)

	payload, vaultCount, accountCount, err := collectSnapshot(dataDir, opts.IncludeAudit, opts.IncludeMetadata)
	if err != nil {
		return err
	}

	payloadBytes, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	defer identity.SecureWipe(payloadBytes)

	ciphertext, err := EncryptPayload(payloadBytes, encKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt payload: %w", err)
	}

	header := &Header{
		Version:          FormatVersion,
		CreatedAt:        time.Now().UTC(),
		StoreVersion:     1,
		EncryptionMode:   encMode,
		KDFParams:        kdfParams,
		IncludesAudit:    opts.IncludeAudit,
		IncludesMetadata: opts.IncludeMetadata,
		VaultCount:       vaultCount,
		AccountCount:     accountCount,
		ChecksumAlgo:     "hmac-sha256",
	}

	// Assemble in memory first so the HMAC covers header and ciphertext.
	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return err
	}
	if err := writeUint32(&buf, uint32(len(ciphertext))); err != nil {
		return err
	}
	if _, err := buf.Write(ciphertext); err != nil {
		return fmt.Errorf("failed to write ciphertext: %w", err)
	}

	tag := ComputeHMAC(buf.Bytes(), macKey)

	if _, err := opts.Output.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if _, err := opts.Output.Write(tag); err != nil {
		return fmt.Errorf("failed to write HMAC: %w", err)
	}

	return nil
}

// Restore restores a data directory from an encrypted snapshot. The whole
// directory is staged in a temp location and moved into place, so a failed
// restore never leaves a half-written state behind.
func Restore(snapshotPath string, opts RestoreOptions) (*RestoreResult, error) {
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	header, payload, err := verifyAndDecrypt(data, opts.Passphrase, opts.KeyFile)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return &RestoreResult{
			VaultsRestored:   header.VaultCount,
			AccountsRestored: header.AccountCount,
			AuditRestored:    header.IncludesAudit,
			MetadataRestored: header.IncludesMetadata,
			DryRun:           true,
		}, nil
	}

	return performRestore(opts, header, payload)
}

// Verify checks snapshot integrity and reports its header without restoring.
func Verify(snapshotPath string, passphrase []byte, keyFile string) (*VerifyResult, error) {
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}

	header, _, err := verifyAndDecrypt(data, passphrase, keyFile)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}

	return &VerifyResult{
		Valid:            true,
		Version:          header.Version,
		CreatedAt:        header.CreatedAt,
		VaultCount:       header.VaultCount,
		AccountCount:     header.AccountCount,
		IncludesAudit:    header.IncludesAudit,
		IncludesMetadata: header.IncludesMetadata,
	}, nil
}

// keysForCreate derives the encryption and MAC keys per the options.
func keysForCreate(opts CreateOptions) (encKey, macKey []byte, kdfParams *KDFParams, mode EncryptionMode, err error) {
	if opts.KeyFile != "" {
		encKey, err = ReadKeyFile(opts.KeyFile)
		if err != nil {
			return nil, nil, nil, "", err
		}
		macKey, err = deriveHKDF(encKey, []byte(hkdfInfoMAC))
		if err != nil {
			identity.SecureWipe(encKey)
			return nil, nil, nil, "", fmt.Errorf("failed to derive MAC key: %w", err)
		}
		return encKey, macKey, nil, EncryptionModeKey, nil
	}

	if len(opts.Passphrase) == 0 {
		return nil, nil, nil, "", ErrEmptyPassphrase
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, nil, nil, "", err
	}
	encKey, macKey, err = DeriveKeys(opts.Passphrase, salt)
	if err != nil {
		return nil, nil, nil, "", err
	}
	kdfParams = &KDFParams{
		Salt:        salt,
		Memory:      identity.Argon2Memory,
		Iterations:  identity.Argon2Time,
		Parallelism: identity.Argon2Threads,
	}
	return encKey, macKey, kdfParams, EncryptionModePassphrase, nil
}

// collectSnapshot reads the data directory into a payload. It opens the
// store first so the lock guarantees no writer is mid-transaction while the
// raw files are read.
func collectSnapshot(dataDir string, includeAudit, includeMetadata bool) (*Payload, int, int, error) {
	st := store.New(dataDir)
	if err := st.Open(); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to open store: %w", err)
	}

	state, err := st.LoadState()
	if err != nil {
		st.Close()
		return nil, 0, 0, fmt.Errorf("failed to load state: %w", err)
	}
	accounts, err := st.ListAccounts()
	if err != nil {
		st.Close()
		return nil, 0, 0, fmt.Errorf("failed to list accounts: %w", err)
	}
	if err := st.Close(); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to close store: %w", err)
	}

	payload := &Payload{}
	for _, f := range []struct {
		name string
		dst  *[]byte
	}{
		{store.KeyFileName, &payload.StoreKey},
		{store.MetaFileName, &payload.StoreMeta},
		{store.DBFileName, &payload.StoreDB},
	} {
		data, err := os.ReadFile(filepath.Join(dataDir, f.name))
		if err != nil {
			return nil, 0, 0, fmt.Errorf("failed to read %s: %w", f.name, err)
		}
		*f.dst = data
	}

	if includeAudit {
		payload.Audit, err = readDirFlat(filepath.Join(dataDir, auditDirName))
		if err != nil {
			return nil, 0, 0, fmt.Errorf("failed to read audit log: %w", err)
		}
	}
	if includeMetadata {
		payload.Metadata, err = readDirTree(filepath.Join(dataDir, metadataDirName))
		if err != nil {
			return nil, 0, 0, fmt.Errorf("failed to read metadata: %w", err)
		}
	}

	return payload, len(state.Vaults), len(accounts), nil
}

// readDirFlat reads the regular files of a single directory. A missing
// directory yields an empty map.
func readDirFlat(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}

	files := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files[entry.Name()] = data
	}
	return files, nil
}

// readDirTree reads all regular files under dir, keyed by slash-separated
// relative path. A missing directory yields an empty map.
func readDirTree(dir string) (map[string][]byte, error) {
	files := map[string][]byte{}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if os.IsNotExist(err) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	return files, nil
}

// verifyAndDecrypt verifies the snapshot HMAC and decrypts the payload.
func verifyAndDecrypt(data []byte, passphrase []byte, keyFile string) (*Header, *Payload, error) {
	if len(data) < 8+4+HMACLength {
		return nil, nil, ErrInvalidMagic
	}

	reader := bytes.NewReader(data)
	header, err := ReadHeader(reader)
	if err != nil {
		return nil, nil, err
	}
	headerEnd := len(data) - reader.Len()

	var ciphertextLen uint32
	if err := readUint32(reader, &ciphertextLen); err != nil {
		return nil, nil, fmt.Errorf("failed to read ciphertext length: %w", err)
	}
	if reader.Len() < int(ciphertextLen)+HMACLength {
		return nil, nil, fmt.Errorf("snapshot file truncated")
	}

	ciphertext := make([]byte, ciphertextLen)
	if _, err := io.ReadFull(reader, ciphertext); err != nil {
		return nil, nil, fmt.Errorf("failed to read ciphertext: %w", err)
	}
	storedMAC := make([]byte, HMACLength)
	if _, err := io.ReadFull(reader, storedMAC); err != nil {
		return nil, nil, fmt.Errorf("failed to read HMAC: %w", err)
	}

	var encKey, macKey []byte
	switch {
	case keyFile != "":
		encKey, err = ReadKeyFile(keyFile)
		if err != nil {
			return nil, nil, err
		}
		macKey, err = deriveHKDF(encKey, []byte(hkdfInfoMAC))
		if err != nil {
			identity.SecureWipe(encKey)
			return nil, nil, fmt.Errorf("failed to derive MAC key: %w", err)
		}
	case header.EncryptionMode == EncryptionModePassphrase && header.KDFParams != nil:
		if len(passphrase) == 0 {
			return nil, nil, ErrEmptyPassphrase
		}
		encKey, macKey, err = DeriveKeys(passphrase, header.KDFParams.Salt)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("cannot determine decryption key")
	}
	defer identity.SecureWipe(encKey)
	defer identity.SecureWipe(macKey)

	// The HMAC covers everything before the tag itself.
	signed := data[:headerEnd+4+int(ciphertextLen)]
	if !VerifyHMAC(signed, storedMAC, macKey) {
		return nil, nil, ErrIntegrityFailed
	}

	plaintext, err := DecryptPayload(ciphertext, encKey)
	if err != nil {
		return nil, nil, err
	}
	defer identity.SecureWipe(plaintext)

	payload, err := DecodePayload(plaintext)
	if err != nil {
		return nil, nil, err
	}
	return header, payload, nil
}

// DefaultDataDir returns the default data directory (~/.timevault).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".timevault"
	}
	return filepath.Join(home, ".timevault")
}

// performRestore stages the payload in a temp directory and moves it into
// place.
func performRestore(opts RestoreOptions, header *Header, payload *Payload) (*RestoreResult, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	parentDir := filepath.Dir(dataDir)
	if err := os.MkdirAll(parentDir, store.DirMode); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	// Staging in the parent keeps the final rename on one filesystem.
	tempDir, err := os.MkdirTemp(parentDir, ".timevault-restore-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := os.Chmod(tempDir, store.DirMode); err != nil {
		return nil, fmt.Errorf("failed to set temp directory permissions: %w", err)
	}

	for name, data := range map[string][]byte{
		store.KeyFileName:  payload.StoreKey,
		store.MetaFileName: payload.StoreMeta,
		store.DBFileName:   payload.StoreDB,
	} {
		if err := os.WriteFile(filepath.Join(tempDir, name), data, store.FileMode); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	auditRestored, err := writeDirTree(filepath.Join(tempDir, auditDirName), payload.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to write audit log: %w", err)
	}
	metadataRestored, err := writeDirTree(filepath.Join(tempDir, metadataDirName), payload.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	if _, err := os.Stat(dataDir); err == nil {
		if !opts.Overwrite {
			return nil, fmt.Errorf("%w: %s", ErrDataDirExists, dataDir)
		}
		if err := os.RemoveAll(dataDir); err != nil {
			return nil, fmt.Errorf("failed to remove existing data directory: %w", err)
		}
	}

	if err := os.Rename(tempDir, dataDir); err != nil {
		return nil, fmt.Errorf("failed to move restored data directory: %w", err)
	}

	return &RestoreResult{
		VaultsRestored:   header.VaultCount,
		AccountsRestored: header.AccountCount,
		AuditRestored:    auditRestored,
		MetadataRestored: metadataRestored,
	}, nil
}

// writeDirTree writes files keyed by slash-separated relative path under
// dir. Reports whether anything was written.
func writeDirTree(dir string, files map[string][]byte) (bool, error) {
	if len(files) == 0 {
		return false, nil
	}
	for rel, data := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), store.DirMode); err != nil {
			return false, err
		}
		if err := os.WriteFile(path, data, store.FileMode); err != nil {
			return false, err
		}
	}
	return true, nil
}

// writeUint32 writes a uint32 in big-endian format.
func writeUint32(w io.Writer, v uint32) error {
	buf := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	_, err := w.Write(buf)
	return err
}

// readUint32 reads a uint32 in big-endian format.
func readUint32(r io.Reader, v *uint32) error {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	*v = uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return nil
}
