package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/timevault/internal/cli"
)

var fundAmount string

func init() {
	rootCmd.AddCommand(accountCmd)

	accountCmd.AddCommand(accountNewCmd)
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountBalanceCmd)
	accountCmd.AddCommand(accountFundCmd)

	accountFundCmd.Flags().StringVar(&fundAmount, "amount", "", "Amount to credit (e.g., 10 or 2.5)")
	_ = accountFundCmd.MarkFlagRequired("amount")
}

// accountCmd is the parent command for account operations
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account operations",
}

// accountNewCmd creates a new account
var accountNewCmd = &cobra.Command{
	Use:   "new [name]",
	Short: "Creates a new account with a passphrase-derived address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		passphrase1, err := promptPassphrase("Enter passphrase: ")
		if err != nil {
			return err
		}
		passphrase2, err := promptPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if passphrase1 != passphrase2 {
			return fmt.Errorf("passphrases do not match")
		}

		account, err := svc.CreateAccount(name, passphrase1)
		if err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}

		fmt.Printf("Account '%s' created\n", name)
		fmt.Printf("Address: %s\n", account.Address)
		return nil
	},
}

// accountListCmd lists all accounts
var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists all accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		accounts, err := svc.Accounts()
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}

		if len(accounts) == 0 {
			fmt.Println("No accounts")
			return nil
		}

		for _, a := range accounts {
			fmt.Printf("%s  %s  (created: %s)\n", a.Name, a.Address, a.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

// accountBalanceCmd shows an account's liquid balance
var accountBalanceCmd = &cobra.Command{
	Use:   "balance [name-or-address]",
	Short: "Shows the liquid balance of an account",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var flagValue string
		if len(args) == 1 {
			flagValue = args[0]
		}
		account, err := resolveAccount(flagValue)
		if err != nil {
			return err
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		balance, err := svc.Balance(account)
		if err != nil {
			return fmt.Errorf("failed to get balance: %w", err)
		}

		fmt.Println(cli.FormatAmount(balance))
		return nil
	},
}

// accountFundCmd credits an account's liquid balance
var accountFundCmd = &cobra.Command{
	Use:   "fund [name-or-address]",
	Short: "Credits an account's liquid balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := cli.ParseAmount(fundAmount)
		if err != nil {
			return fmt.Errorf("invalid amount: %w", err)
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.Fund(args[0], amount); err != nil {
			return fmt.Errorf("failed to fund account: %w", err)
		}

		fmt.Printf("Credited %s to %s\n", cli.FormatAmount(amount), args[0])
		return nil
	},
}
