package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/timevault/pkg/audit"
	"github.com/forest6511/timevault/pkg/service"
)

// ConfigFileName is the optional CLI configuration file in the data directory.
const ConfigFileName = "config.yaml"

var (
	dataDir string
	config  Config
)

// Config holds CLI defaults loaded from config.yaml.
type Config struct {
	// DefaultAccount is used when a command takes --account and none is given.
	DefaultAccount string `yaml:"default_account"`
}

var rootCmd = &cobra.Command{
	Use:   "timevault",
	Short: "timevault is a time-locked value vault with proof-of-custody tokens",
	Long: `A time-locked value vault built with Go.

Deposits lock value until an unlock time and mint a transferable
proof-of-custody token. Only the original depositor can withdraw, and the
token can be burned by its holder once the withdrawal has happened.`,
	// PersistentPreRunE resolves the data directory and loads config.yaml
	// before every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dataDir == "" {
			if env := os.Getenv("TIMEVAULT_HOME"); env != "" {
				dataDir = env
			} else {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("failed to get user home directory: %w", err)
				}
				dataDir = filepath.Join(home, ".timevault")
			}
		}
		loadConfig()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: $TIMEVAULT_HOME or ~/.timevault)")

	rootCmd.AddCommand(initCmd)
}

// loadConfig reads config.yaml if present. A missing or unreadable file
// just leaves the defaults empty.
func loadConfig() {
	path := filepath.Join(dataDir, ConfigFileName)
	content, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(content, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ignoring malformed %s: %v\n", ConfigFileName, err)
		config = Config{}
	}
}

// openService opens the data directory for one CLI invocation.
func openService() (*service.Service, error) {
	svc, err := service.Open(dataDir, audit.SourceCLI)
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory %s: %w", dataDir, err)
	}
	return svc, nil
}

// resolveAccount picks the account for a command: the flag value wins,
// then the config default.
func resolveAccount(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if config.DefaultAccount != "" {
		return config.DefaultAccount, nil
	}
	return "", errors.New("no account specified (use --account or set default_account in config.yaml)")
}

// promptPassphrase reads a passphrase without echo.
func promptPassphrase(prompt string) (string, error) {
	fmt.Print(prompt)
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(passphrase), nil
}

// authenticate prompts for the account's passphrase and verifies it.
func authenticate(svc *service.Service, account string) (string, error) {
	if env := os.Getenv("TIMEVAULT_PASSPHRASE"); env != "" {
		os.Unsetenv("TIMEVAULT_PASSPHRASE")
		if _, err := svc.Authenticate(account, env); err != nil {
			return "", fmt.Errorf("authentication failed for %q: %w", account, err)
		}
		return account, nil
	}

	passphrase, err := promptPassphrase(fmt.Sprintf("Passphrase for %s: ", account))
	if err != nil {
		return "", err
	}
	if _, err := svc.Authenticate(account, passphrase); err != nil {
		return "", fmt.Errorf("authentication failed for %q: %w", account, err)
	}
	return account, nil
}

// initCmd initializes a new data directory
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes a new timevault data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Initializing data directory at %s...\n", dataDir)

		if err := service.Init(dataDir); err != nil {
			return fmt.Errorf("failed to initialize data directory: %w", err)
		}

		fmt.Printf("Data directory initialized at %s\n", dataDir)
		fmt.Println("Create an account next: timevault account new <name>")
		return nil
	},
}
