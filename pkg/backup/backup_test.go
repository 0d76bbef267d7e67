package backup

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest6511/timevault/pkg/audit"
	"github.com/forest6511/timevault/pkg/identity"
	"github.com/forest6511/timevault/pkg/service"
)

const testPassphrase = "Correct-Horse-9-Battery"

// seedDataDir creates a data directory with one funded account, one locked
// vault and its minted token, then closes it.
func seedDataDir(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "data")
	if err := service.Init(dir); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	svc, err := service.Open(dir, audit.SourceCLI)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer svc.Close()

	if _, err := svc.CreateAccount("alice", testPassphrase); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := svc.Fund("alice", 5_000_000_000); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	unlock := time.Now().Add(time.Hour)
	if _, _, _, err := svc.Deposit("alice", 2_000_000_000, unlock, "seed", "", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	return dir
}

func createSnapshot(t *testing.T, dataDir string, opts CreateOptions) string {
	t.Helper()

	var buf bytes.Buffer
	opts.Output = &buf
	if err := Create(dataDir, opts); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "snapshot.tvb")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	return path
}

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}
	if len(salt1) != SaltLength {
		t.Errorf("expected salt length %d, got %d", SaltLength, len(salt1))
	}

	salt2, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}
	if bytes.Equal(salt1, salt2) {
		t.Error("two generated salts should be different")
	}
}

func TestDeriveKeys(t *testing.T) {
	passphrase := []byte(testPassphrase)
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}

	encKey, macKey, err := DeriveKeys(passphrase, salt)
	if err != nil {
		t.Fatalf("DeriveKeys failed: %v", err)
	}
	defer identity.SecureWipe(encKey)
	defer identity.SecureWipe(macKey)

	if len(encKey) != KeyLength || len(macKey) != KeyLength {
		t.Fatalf("expected %d-byte keys, got %d and %d", KeyLength, len(encKey), len(macKey))
	}
	if bytes.Equal(encKey, macKey) {
		t.Error("encryption and MAC keys should be independent")
	}

	// Same passphrase and salt must reproduce the same keys.
	encKey2, macKey2, err := DeriveKeys(passphrase, salt)
	if err != nil {
		t.Fatalf("DeriveKeys failed: %v", err)
	}
	if !bytes.Equal(encKey, encKey2) || !bytes.Equal(macKey, macKey2) {
		t.Error("key derivation is not deterministic")
	}
}

func TestDeriveKeys_EmptyPassphrase(t *testing.T) {
	salt, _ := GenerateSalt()
	if _, _, err := DeriveKeys(nil, salt); err != ErrEmptyPassphrase {
		t.Errorf("expected ErrEmptyPassphrase, got %v", err)
	}
}

func TestEncryptDecryptPayload(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeyLength)
	plaintext := []byte("the quick brown fox")

	ciphertext, err := EncryptPayload(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptPayload failed: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	got, err := DecryptPayload(ciphertext, key)
	if err != nil {
		t.Fatalf("DecryptPayload failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q", got)
	}

	// Flipping a ciphertext bit must fail authentication.
	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := DecryptPayload(tampered, key); err != ErrDecryptionFailed {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}

	wrongKey := bytes.Repeat([]byte{0x43}, KeyLength)
	if _, err := DecryptPayload(ciphertext, wrongKey); err != ErrDecryptionFailed {
		t.Errorf("expected ErrDecryptionFailed with wrong key, got %v", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	header := &Header{
		Version:        FormatVersion,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
		StoreVersion:   1,
		EncryptionMode: EncryptionModePassphrase,
		KDFParams:      &KDFParams{Salt: []byte("0123456789abcdef0123456789abcdef"), Memory: 64 * 1024, Iterations: 3, Parallelism: 4},
		VaultCount:     3,
		AccountCount:   2,
		ChecksumAlgo:   "hmac-sha256",
	}

	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if got.Version != header.Version || got.VaultCount != 3 || got.AccountCount != 2 {
		t.Errorf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.KDFParams.Salt, header.KDFParams.Salt) {
		t.Error("KDF salt did not survive the round trip")
	}
}

func TestReadHeader_InvalidMagic(t *testing.T) {
	data := append([]byte("NOT_TVLT"), make([]byte, 64)...)
	if _, err := ReadHeader(bytes.NewReader(data)); err != ErrInvalidMagic {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadHeader_UnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, &Header{Version: FormatVersion + 1}); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	_, err := ReadHeader(&buf)
	if err == nil || !bytes.Contains([]byte(err.Error()), []byte("unsupported")) {
		t.Errorf("expected unsupported version error, got %v", err)
	}
}

func TestCreateVerifyRestore(t *testing.T) {
	dataDir := seedDataDir(t)
	passphrase := []byte("snapshot-pass-1")

	path := createSnapshot(t, dataDir, CreateOptions{
		Passphrase:      passphrase,
		IncludeAudit:    true,
		IncludeMetadata: true,
	})

	result, err := Verify(path, passphrase, "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("snapshot should verify: %s", result.Error)
	}
	if result.VaultCount != 1 || result.AccountCount != 1 {
		t.Errorf("expected 1 vault and 1 account, got %d and %d", result.VaultCount, result.AccountCount)
	}
	if !result.IncludesAudit || !result.IncludesMetadata {
		t.Error("snapshot should report audit and metadata inclusion")
	}

	target := filepath.Join(t.TempDir(), "restored")
	restore, err := Restore(path, RestoreOptions{DataDir: target, Passphrase: passphrase})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restore.VaultsRestored != 1 || !restore.AuditRestored || !restore.MetadataRestored {
		t.Errorf("unexpected restore result: %+v", restore)
	}

	// The restored directory must open as a working data directory with the
	// same ledger state.
	svc, err := service.Open(target, audit.SourceCLI)
	if err != nil {
		t.Fatalf("restored directory failed to open: %v", err)
	}
	defer svc.Close()

	if err := svc.Verify(); err != nil {
		t.Errorf("restored state failed verification: %v", err)
	}
	balance, err := svc.Balance("alice")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 3_000_000_000 {
		t.Errorf("expected balance 3000000000, got %d", balance)
	}
	info, err := svc.Engine().VaultInfo(1)
	if err != nil {
		t.Fatalf("VaultInfo failed: %v", err)
	}
	if info.Amount != 2_000_000_000 || info.Withdrawn {
		t.Errorf("vault state not preserved: %+v", info)
	}
}

func TestRestore_WrongPassphrase(t *testing.T) {
	dataDir := seedDataDir(t)
	path := createSnapshot(t, dataDir, CreateOptions{Passphrase: []byte("right-pass")})

	_, err := Restore(path, RestoreOptions{
		DataDir:    filepath.Join(t.TempDir(), "restored"),
		Passphrase: []byte("wrong-pass"),
	})
	if err != ErrIntegrityFailed {
		t.Errorf("expected ErrIntegrityFailed, got %v", err)
	}
}

func TestRestore_Tampered(t *testing.T) {
	dataDir := seedDataDir(t)
	passphrase := []byte("snapshot-pass-1")
	path := createSnapshot(t, dataDir, CreateOptions{Passphrase: passphrase})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a bit in the ciphertext region, leaving the trailing HMAC alone.
	data[len(data)-HMACLength-1] ^= 0x01
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	_, err = Restore(path, RestoreOptions{
		DataDir:    filepath.Join(t.TempDir(), "restored"),
		Passphrase: passphrase,
	})
	if err != ErrIntegrityFailed {
		t.Errorf("expected ErrIntegrityFailed, got %v", err)
	}
}

func TestRestore_ExistingTarget(t *testing.T) {
	dataDir := seedDataDir(t)
	passphrase := []byte("snapshot-pass-1")
	path := createSnapshot(t, dataDir, CreateOptions{Passphrase: passphrase})

	// Restoring over the live directory without Overwrite must refuse.
	_, err := Restore(path, RestoreOptions{DataDir: dataDir, Passphrase: passphrase})
	if err == nil {
		t.Fatal("expected error restoring over existing directory")
	}

	result, err := Restore(path, RestoreOptions{DataDir: dataDir, Passphrase: passphrase, Overwrite: true})
	if err != nil {
		t.Fatalf("Restore with Overwrite failed: %v", err)
	}
	if result.VaultsRestored != 1 {
		t.Errorf("expected 1 vault restored, got %d", result.VaultsRestored)
	}
}

func TestRestore_DryRun(t *testing.T) {
	dataDir := seedDataDir(t)
	passphrase := []byte("snapshot-pass-1")
	path := createSnapshot(t, dataDir, CreateOptions{Passphrase: passphrase, IncludeAudit: true})

	target := filepath.Join(t.TempDir(), "restored")
	result, err := Restore(path, RestoreOptions{DataDir: target, Passphrase: passphrase, DryRun: true})
	if err != nil {
		t.Fatalf("Restore dry run failed: %v", err)
	}
	if !result.DryRun || result.VaultsRestored != 1 {
		t.Errorf("unexpected dry run result: %+v", result)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("dry run must not create the target directory")
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	dataDir := seedDataDir(t)

	keyPath := filepath.Join(t.TempDir(), "snapshot.key")
	if err := GenerateKeyFile(keyPath); err != nil {
		t.Fatalf("GenerateKeyFile failed: %v", err)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file permissions should be 0600, got %v", info.Mode().Perm())
	}

	path := createSnapshot(t, dataDir, CreateOptions{KeyFile: keyPath})

	result, err := Verify(path, nil, keyPath)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("key file snapshot should verify: %s", result.Error)
	}

	target := filepath.Join(t.TempDir(), "restored")
	if _, err := Restore(path, RestoreOptions{DataDir: target, KeyFile: keyPath}); err != nil {
		t.Fatalf("Restore with key file failed: %v", err)
	}
	svc, err := service.Open(target, audit.SourceCLI)
	if err != nil {
		t.Fatalf("restored directory failed to open: %v", err)
	}
	svc.Close()
}

func TestReadKeyFile_WrongSize(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "short.key")
	if err := os.WriteFile(keyPath, []byte("too short"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadKeyFile(keyPath); err != ErrInvalidKeyFile {
		t.Errorf("expected ErrInvalidKeyFile, got %v", err)
	}
}

func TestCreate_RequiresOutput(t *testing.T) {
	if err := Create(t.TempDir(), CreateOptions{Passphrase: []byte("x")}); err == nil {
		t.Error("expected error without output writer")
	}
}

func TestCreate_RequiresKey(t *testing.T) {
	var buf bytes.Buffer
	err := Create(t.TempDir(), CreateOptions{Output: &buf})
	if err != ErrEmptyPassphrase {
		t.Errorf("expected ErrEmptyPassphrase, got %v", err)
	}
}
