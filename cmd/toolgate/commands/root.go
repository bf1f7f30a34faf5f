package commands

import (
	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/config"
)

var (
	cfgFile  string
	envFile  string
	logLevel string
	actorID  string
	asJSON   bool
)

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "Credit, rule and enforcement gate for paid tools",
		Long:          "Toolgate decides whether a user may run a paid tool: credit ledger, admin rules, throttles, cooldowns, kill switches and overuse detection behind one authorize call.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(envFile)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "toolgate.yaml", "config file path")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&actorID, "actor", "", "admin identity recorded in the audit log")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newMCPCmd(),
		newAuthorizeCmd(),
		newCreditsCmd(),
		newRulesCmd(),
		newEnforceCmd(),
		newAttemptsCmd(),
		newFlagsCmd(),
		newAuditCmd(),
		newStatusCmd(),
		newGatewayCmd(),
		newCheckCmd(),
		newVersionCmd(),
	)

	return root
}
