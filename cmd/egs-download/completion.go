package main

import (
	"github.com/spf13/cobra"
)

// NewCompletionCommand creates the 'completion' command.
func NewCompletionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate completion script",
		Long: `To load completions:

Bash:

  $ source <(egs-download completion bash)

  To load completions for all new sessions, run once:
  $ sudo egs-download completion bash > /etc/bash_completion.d/egs-download

Zsh:

  $ egs-download completion zsh > "${fpath[1]}/_egs-download"

  You will need to start a new shell for this setup to take effect.

Fish:

  $ egs-download completion fish > ~/.config/fish/completions/egs-download.fish

Powershell:

  PS> egs-download completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletionV2(out, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			default:
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}
