package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/timevault/internal/cli"
)

// Audit list flags
var (
	auditLimit int
	auditSince string
)

// Audit export flags
var (
	auditExportFormat string
	auditExportSince  string
	auditExportUntil  string
	auditExportOutput string
)

// Audit prune flags
var (
	auditPruneOlderThan string
	auditPruneDryRun    bool
	auditPruneForce     bool
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditPruneCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h)")

	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "json", "Output format: json, csv")
	auditExportCmd.Flags().StringVar(&auditExportSince, "since", "", "Export events since duration (e.g., 30d)")
	auditExportCmd.Flags().StringVar(&auditExportUntil, "until", "", "Export events until date (RFC 3339)")
	auditExportCmd.Flags().StringVarP(&auditExportOutput, "output", "o", "", "Output file path (default: stdout)")

	auditPruneCmd.Flags().StringVar(&auditPruneOlderThan, "older-than", "", "Delete logs older than duration (e.g., 1y)")
	auditPruneCmd.Flags().BoolVar(&auditPruneDryRun, "dry-run", false, "Show what would be deleted without deleting")
	auditPruneCmd.Flags().BoolVarP(&auditPruneForce, "force", "f", false, "Skip confirmation prompt")
}

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		var since time.Time
		if auditSince != "" {
			duration, err := cli.ParseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}

		events, err := svc.Audit().ListEvents(auditLimit, since)
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}

		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}

		for _, event := range events {
			// Format: TIMESTAMP OPERATION RESULT [vault] [token]
			line := fmt.Sprintf("%s %s %s", event.Timestamp, event.Operation, event.Result)
			if event.VaultID != 0 {
				line += fmt.Sprintf(" vault:%d", event.VaultID)
			}
			if event.TokenID != 0 {
				line += fmt.Sprintf(" token:%d", event.TokenID)
			}
			if event.Error != nil {
				line += fmt.Sprintf(" error:%s", event.Error.Code)
			}
			fmt.Println(line)
		}

		fmt.Printf("\nTotal: %d events\n", len(events))
		return nil
	},
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		fmt.Println("Verifying audit log integrity...")

		result, err := svc.Audit().Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		if result.Valid {
			fmt.Printf("Audit log verified: %d records, chain intact\n", result.RecordsTotal)
		} else {
			fmt.Println("Audit log verification FAILED")
			fmt.Printf("  Records total: %d\n", result.RecordsTotal)
			fmt.Printf("  Records verified: %d\n", result.RecordsVerified)
			fmt.Println("  Errors:")
			for _, e := range result.Errors {
				fmt.Printf("    - %s\n", e)
			}
			return fmt.Errorf("audit log integrity check failed")
		}

		// Also output as JSON for machine parsing
		jsonResult, _ := json.Marshal(result)
		fmt.Printf("\nJSON: %s\n", string(jsonResult))

		return nil
	},
}

// auditExportCmd exports audit logs
var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit logs to JSON or CSV format",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditExportFormat != "json" && auditExportFormat != "csv" {
			return fmt.Errorf("invalid format: %s (use 'json' or 'csv')", auditExportFormat)
		}

		var since, until time.Time
		if auditExportSince != "" {
			duration, err := cli.ParseDuration(auditExportSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}
		if auditExportUntil != "" {
			var err error
			until, err = time.Parse(time.RFC3339, auditExportUntil)
			if err != nil {
				return fmt.Errorf("invalid until format (use RFC 3339): %w", err)
			}
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		data, err := svc.Audit().Export(auditExportFormat, since, until)
		if err != nil {
			return fmt.Errorf("failed to export audit logs: %w", err)
		}

		if auditExportOutput != "" {
			// Confine output to the working directory, home, or /tmp
			absPath, err := filepath.Abs(auditExportOutput)
			if err != nil {
				return fmt.Errorf("invalid output path: %w", err)
			}

			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get current directory: %w", err)
			}

			homeDir, _ := os.UserHomeDir()
			validPrefixes := []string{cwd, homeDir, "/tmp"}
			isValid := false
			for _, prefix := range validPrefixes {
				if strings.HasPrefix(absPath, prefix) {
					isValid = true
					break
				}
			}
			if !isValid {
				return fmt.Errorf("output path must be within current directory, home directory, or /tmp")
			}

			if err := os.WriteFile(absPath, data, 0600); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Audit logs exported to %s\n", absPath)
		} else {
			os.Stdout.Write(data)
		}

		return nil
	},
}

// auditPruneCmd deletes old audit logs
var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditPruneOlderThan == "" {
			return fmt.Errorf("--older-than flag is required")
		}

		duration, err := cli.ParseDuration(auditPruneOlderThan)
		if err != nil {
			return fmt.Errorf("invalid older-than format: %w", err)
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if auditPruneDryRun {
			count, err := svc.Audit().PrunePreview(duration)
			if err != nil {
				return fmt.Errorf("failed to preview prune: %w", err)
			}
			fmt.Printf("Would delete %d audit log entries older than %s\n", count, auditPruneOlderThan)
			return nil
		}

		count, err := svc.Audit().PrunePreview(duration)
		if err != nil {
			return fmt.Errorf("failed to preview prune: %w", err)
		}

		if count == 0 {
			fmt.Println("No audit log entries to delete")
			return nil
		}

		if !auditPruneForce {
			fmt.Printf("This will delete %d audit log entries older than %s.\n", count, auditPruneOlderThan)
			fmt.Print("Are you sure? [y/N]: ")
			var response string
			if _, err := fmt.Scanln(&response); err != nil {
				fmt.Println("Aborted")
				return nil
			}
			if response != "y" && response != "Y" {
				fmt.Println("Aborted")
				return nil
			}
		}

		deleted, err := svc.Audit().Prune(duration)
		if err != nil {
			return fmt.Errorf("failed to prune audit logs: %w", err)
		}

		fmt.Printf("Deleted %d audit log entries\n", deleted)
		return nil
	},
}
