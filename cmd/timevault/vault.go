package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/timevault/internal/cli"
	"github.com/forest6511/timevault/pkg/engine"
)

// Deposit flags
var (
	depositAccount     string
	depositAmount      string
	depositUnlockIn    string
	depositUnlockAt    string
	depositName        string
	depositDescription string
	depositImage       string
)

// Withdraw flags
var withdrawAccount string

// Vault list flags
var vaultListOwner string

func init() {
	rootCmd.AddCommand(depositCmd)
	rootCmd.AddCommand(withdrawCmd)
	rootCmd.AddCommand(vaultCmd)

	vaultCmd.AddCommand(vaultInfoCmd)
	vaultCmd.AddCommand(vaultListCmd)

	depositCmd.Flags().StringVar(&depositAccount, "account", "", "Depositing account (default: config default_account)")
	depositCmd.Flags().StringVar(&depositAmount, "amount", "", "Amount to lock (e.g., 10 or 2.5)")
	depositCmd.Flags().StringVar(&depositUnlockIn, "unlock-in", "", "Lock duration from now (e.g., 30d, 1y, 24h)")
	depositCmd.Flags().StringVar(&depositUnlockAt, "unlock-at", "", "Absolute unlock time (RFC 3339 or YYYY-MM-DD)")
	depositCmd.Flags().StringVar(&depositName, "name", "", "Token metadata name")
	depositCmd.Flags().StringVar(&depositDescription, "description", "", "Token metadata description")
	depositCmd.Flags().StringVar(&depositImage, "image", "", "Token metadata image URI")
	_ = depositCmd.MarkFlagRequired("amount")

	withdrawCmd.Flags().StringVar(&withdrawAccount, "account", "", "Withdrawing account (default: config default_account)")

	vaultListCmd.Flags().StringVar(&vaultListOwner, "owner", "", "Only show vaults deposited by this account")
}

// depositCmd locks value and mints the matching proof token
var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Locks an amount until an unlock time and mints a proof-of-custody token",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := resolveAccount(depositAccount)
		if err != nil {
			return err
		}

		amount, err := cli.ParseAmount(depositAmount)
		if err != nil {
			return fmt.Errorf("invalid amount: %w", err)
		}

		unlockTime, err := cli.ResolveUnlockTime(depositUnlockIn, depositUnlockAt, time.Now())
		if err != nil {
			return fmt.Errorf("invalid unlock specification: %w", err)
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if _, err := authenticate(svc, account); err != nil {
			return err
		}

		vaultID, tokenID, uri, err := svc.Deposit(account, amount, unlockTime, depositName, depositDescription, depositImage)
		if err != nil {
			return fmt.Errorf("deposit failed: %w", err)
		}

		fmt.Printf("Locked %s until %s\n", cli.FormatAmount(amount), unlockTime.Format(time.RFC3339))
		fmt.Printf("Vault:    %d\n", vaultID)
		fmt.Printf("Token:    %d\n", tokenID)
		fmt.Printf("Metadata: %s\n", uri)
		return nil
	},
}

// withdrawCmd withdraws a vault's locked amount after its unlock time
var withdrawCmd = &cobra.Command{
	Use:   "withdraw [vault-id]",
	Short: "Withdraws a vault's locked amount after its unlock time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vaultID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid vault id: %s", args[0])
		}

		account, err := resolveAccount(withdrawAccount)
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

		amount, err := svc.Withdraw(account, vaultID)
		if err != nil {
			return fmt.Errorf("withdraw failed: %w", err)
		}

		fmt.Printf("Withdrew %s from vault %d\n", cli.FormatAmount(amount), vaultID)
		return nil
	},
}

// vaultCmd is the parent command for vault queries
var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Vault queries",
}

// vaultInfoCmd shows one vault
var vaultInfoCmd = &cobra.Command{
	Use:   "info [vault-id]",
	Short: "Shows a vault's owner, amount, unlock time and proof token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vaultID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid vault id: %s", args[0])
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		info, err := svc.Engine().VaultInfo(vaultID)
		if err != nil {
			return fmt.Errorf("failed to get vault %d: %w", vaultID, err)
		}

		printVault(info)
		return nil
	},
}

// vaultListCmd lists vaults
var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists all vaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		var owner engine.Identity
		if vaultListOwner != "" {
			owner, err = svc.Resolve(vaultListOwner)
			if err != nil {
				return fmt.Errorf("failed to resolve owner: %w", err)
			}
		}

		vaults := svc.Engine().Vaults()
		shown := 0
		for _, v := range vaults {
			if owner != "" && v.Owner != owner {
				continue
			}
			state := "locked"
			switch {
			case v.Withdrawn:
				state = "withdrawn"
			case !time.Now().Before(v.UnlockTime):
				state = "unlocked"
			}
			fmt.Printf("%d  %s  %s  unlock: %s  token: %d  [%s]\n",
				v.ID, v.Owner, cli.FormatAmount(v.Amount),
				v.UnlockTime.Format(time.RFC3339), v.TokenID, state)
			shown++
		}

		if shown == 0 {
			fmt.Println("No vaults")
		}
		return nil
	},
}

func printVault(info engine.Info) {
	fmt.Printf("Vault:      %d\n", info.VaultID)
	fmt.Printf("Owner:      %s\n", info.Owner)
	fmt.Printf("Amount:     %s\n", cli.FormatAmount(info.Amount))
	fmt.Printf("Unlock:     %s\n", info.UnlockTime.Format(time.RFC3339))
	fmt.Printf("Unlocked:   %t\n", info.Unlocked)
	fmt.Printf("Withdrawn:  %t\n", info.Withdrawn)
	fmt.Printf("Token:      %d\n", info.TokenID)
	fmt.Printf("Created:    %s\n", info.CreatedAt.Format(time.RFC3339))
}
