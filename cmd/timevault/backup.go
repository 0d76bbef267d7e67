package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/timevault/pkg/backup"
	"github.com/forest6511/timevault/pkg/identity"
)

var (
	backupOutput       string
	backupKeyFile      string
	backupSkipAudit    bool
	backupSkipMetadata bool

	restoreKeyFile   string
	restoreOverwrite bool
	restoreDryRun    bool

	verifyKeyFile string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Creates, verifies and restores encrypted snapshots",
	Long: `Snapshots capture the whole data directory as one encrypted file, so a
restore always yields a state where vaults, tokens, balances and the audit
chain agree with each other.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Creates an encrypted snapshot of the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := backup.CreateOptions{
			KeyFile:         backupKeyFile,
			IncludeAudit:    !backupSkipAudit,
			IncludeMetadata: !backupSkipMetadata,
		}

		if backupKeyFile == "" {
			passphrase, err := promptPassphrase("Snapshot passphrase: ")
			if err != nil {
				return err
			}
			confirm, err := promptPassphrase("Confirm passphrase: ")
			if err != nil {
				return err
			}
			if passphrase != confirm {
				return fmt.Errorf("passphrases do not match")
			}
			opts.Passphrase = []byte(passphrase)
			defer identity.SecureWipe(opts.Passphrase)
		}

		f, err := os.OpenFile(backupOutput, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return fmt.Errorf("failed to create snapshot file: %w", err)
		}
		opts.Output = f

		if err := backup.Create(dataDir, opts); err != nil {
			f.Close()
			os.Remove(backupOutput)
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to finalize snapshot file: %w", err)
		}

		fmt.Printf("Snapshot written to %s\n", backupOutput)
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify [snapshot-file]",
	Short: "Verifies snapshot integrity without restoring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var passphrase []byte
		if verifyKeyFile == "" {
			p, err := promptPassphrase("Snapshot passphrase: ")
			if err != nil {
				return err
			}
			passphrase = []byte(p)
			defer identity.SecureWipe(passphrase)
		}

		result, err := backup.Verify(args[0], passphrase, verifyKeyFile)
		if err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("snapshot verification failed: %s", result.Error)
		}

		fmt.Println("Snapshot OK")
		fmt.Printf("  Created:  %s\n", result.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Printf("  Vaults:   %d\n", result.VaultCount)
		fmt.Printf("  Accounts: %d\n", result.AccountCount)
		fmt.Printf("  Audit:    %v\n", result.IncludesAudit)
		fmt.Printf("  Metadata: %v\n", result.IncludesMetadata)
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [snapshot-file]",
	Short: "Restores a data directory from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := backup.RestoreOptions{
			DataDir:   dataDir,
			KeyFile:   restoreKeyFile,
			DryRun:    restoreDryRun,
			Overwrite: restoreOverwrite,
		}

		if restoreKeyFile == "" {
			p, err := promptPassphrase("Snapshot passphrase: ")
			if err != nil {
				return err
			}
			opts.Passphrase = []byte(p)
			defer identity.SecureWipe(opts.Passphrase)
		}

		if restoreOverwrite && !restoreDryRun {
			fmt.Printf("This will REPLACE the data directory at %s.\nType 'yes' to continue: ", dataDir)
			var answer string
			fmt.Scanln(&answer)
			if answer != "yes" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		result, err := backup.Restore(args[0], opts)
		if err != nil {
			return err
		}

		if result.DryRun {
			fmt.Printf("Dry run: would restore %d vault(s) and %d account(s) to %s\n",
				result.VaultsRestored, result.AccountsRestored, dataDir)
			return nil
		}
		fmt.Printf("Restored %d vault(s) and %d account(s) to %s\n",
			result.VaultsRestored, result.AccountsRestored, dataDir)
		return nil
	},
}

var backupKeygenCmd = &cobra.Command{
	Use:   "keygen [key-file]",
	Short: "Generates a random snapshot key file",
	Long: `Writes a random 32-byte key with 0600 permissions. Snapshots made with
--key-file can only be opened with this file, so store it separately from
the snapshots themselves.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(args[0]); err == nil {
			return fmt.Errorf("key file already exists: %s", args[0])
		}
		if err := backup.GenerateKeyFile(args[0]); err != nil {
			return err
		}
		fmt.Printf("Key file written to %s\n", args[0])
		return nil
	},
}

func init() {
	backupCreateCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Snapshot file to write (required)")
	backupCreateCmd.MarkFlagRequired("output")
	backupCreateCmd.Flags().StringVar(&backupKeyFile, "key-file", "", "Encrypt with a raw key file instead of a passphrase")
	backupCreateCmd.Flags().BoolVar(&backupSkipAudit, "skip-audit", false, "Exclude the audit log from the snapshot")
	backupCreateCmd.Flags().BoolVar(&backupSkipMetadata, "skip-metadata", false, "Exclude token metadata from the snapshot")

	backupVerifyCmd.Flags().StringVar(&verifyKeyFile, "key-file", "", "Decrypt with a raw key file instead of a passphrase")

	backupRestoreCmd.Flags().StringVar(&restoreKeyFile, "key-file", "", "Decrypt with a raw key file instead of a passphrase")
	backupRestoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "Replace an existing data directory")
	backupRestoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "Verify and report without writing")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupKeygenCmd)
	rootCmd.AddCommand(backupCmd)
}
