package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// Transfer flags
var transferFrom string

// Burn flags
var burnAccount string

func init() {
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(burnCmd)
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.AddCommand(tokenInfoCmd)

	transferCmd.Flags().StringVar(&transferFrom, "account", "", "Sending account (default: config default_account)")
	burnCmd.Flags().StringVar(&burnAccount, "account", "", "Burning account (default: config default_account)")
}

// transferCmd moves a proof token to another holder
var transferCmd = &cobra.Command{
	Use:   "transfer [token-id] [to]",
	Short: "Transfers a proof-of-custody token to another account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokenID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid token id: %s", args[0])
		}
		to := args[1]

		account, err := resolveAccount(transferFrom)
		if err != nil {
			return err
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if _, err := authenticate(svc, account); err != nil {
			return err
		}

		if err := svc.TransferToken(account, to, tokenID); err != nil {
			return fmt.Errorf("transfer failed: %w", err)
		}

		fmt.Printf("Token %d transferred to %s\n", tokenID, to)
		return nil
	},
}

// burnCmd destroys a proof token after its vault has been withdrawn
var burnCmd = &cobra.Command{
	Use:   "burn [token-id]",
	Short: "Burns a proof-of-custody token after its vault's withdrawal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokenID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid token id: %s", args[0])
		}

		account, err := resolveAccount(burnAccount)
		if err != nil {
			return err
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if _, err := authenticate(svc, account); err != nil {
			return err
		}

		if err := svc.Burn(account, tokenID); err != nil {
			return fmt.Errorf("burn failed: %w", err)
		}

		fmt.Printf("Token %d burned\n", tokenID)
		return nil
	},
}

// tokenCmd is the parent command for token queries
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Proof token queries",
}

// tokenInfoCmd shows one token
var tokenInfoCmd = &cobra.Command{
	Use:   "info [token-id]",
	Short: "Shows a token's holder, linked vault and metadata URI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokenID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid token id: %s", args[0])
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		info, err := svc.Token(tokenID)
		if err != nil {
			return fmt.Errorf("failed to get token %d: %w", tokenID, err)
		}

		fmt.Printf("Token:    %d\n", info.ID)
		fmt.Printf("Holder:   %s\n", info.Owner)
		fmt.Printf("Vault:    %d\n", info.VaultID)
		if info.MetadataURI != "" {
			fmt.Printf("Metadata: %s\n", info.MetadataURI)
		}
		return nil
	},
}
