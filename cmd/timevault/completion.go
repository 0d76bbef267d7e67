package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(timevault completion bash)

  # To load for each session (Linux):
  $ timevault completion bash > ~/.local/share/bash-completion/completions/timevault

Zsh:
  # Ensure completion is enabled:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # Generate completion:
  $ timevault completion zsh > ~/.zsh/completions/_timevault

Fish:
  $ timevault completion fish > ~/.config/fish/completions/timevault.fish

PowerShell:
  PS> timevault completion powershell >> $PROFILE

Dynamic completion (account names):
  Set TIMEVAULT_COMPLETION_ENABLED=1 to enable account name completion.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)

	registerCompletionFunctions()
}

// isDynamicCompletionEnabled checks if dynamic completion is opt-in enabled.
// Disabled by default so tab completion never touches the data store.
func isDynamicCompletionEnabled() bool {
	return os.Getenv("TIMEVAULT_COMPLETION_ENABLED") == "1"
}

// completeAccountNames provides account name completion (opt-in only).
func completeAccountNames(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if !isDynamicCompletionEnabled() {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	svc, err := openService()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	defer svc.Close()

	accounts, err := svc.Accounts()
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var names []string
	lowerPrefix := strings.ToLower(toComplete)
	for _, a := range accounts {
		if strings.HasPrefix(strings.ToLower(a.Name), lowerPrefix) {
			names = append(names, a.Name)
		}
	}

	return names, cobra.ShellCompDirectiveNoFileComp
}

// registerCompletionFunctions registers dynamic completion for commands and
// flags that take an account.
func registerCompletionFunctions() {
	accountBalanceCmd.ValidArgsFunction = completeAccountNames
	accountFundCmd.ValidArgsFunction = completeAccountNames

	_ = depositCmd.RegisterFlagCompletionFunc("account", completeAccountNames)
	_ = withdrawCmd.RegisterFlagCompletionFunc("account", completeAccountNames)
	_ = transferCmd.RegisterFlagCompletionFunc("account", completeAccountNames)
	_ = burnCmd.RegisterFlagCompletionFunc("account", completeAccountNames)
	_ = vaultListCmd.RegisterFlagCompletionFunc("owner", completeAccountNames)
}
