package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pushchain/tss-relay/config"
)

func NewRootCmd() *cobra.Command {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:           "tss",
		Short:         "Threshold ECDSA key generation and signing over a room relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return config.Read(v, v.GetString("config"))
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "JSON config file layered over the built-in defaults")
	flags.String("address", "http://localhost:8000/", "relay base URL")
	flags.Int("log-level", 1, "log level: 0 debug, 1 info, 2 warn, 3 error, 4 fatal, 5 panic")
	flags.String("log-format", "console", "log format: console or json")
	flags.Bool("log-sampler", false, "sample logs, keeping 1 in 5")
	flags.String("password", "", "encrypt key shares at rest with this password")
	flags.String("metrics-addr", "", "serve /metrics and /health on this address")
	flags.String("journal", "", "record sessions in this SQLite database")
	flags.Duration("timeout", 0, "give up after this long; 0 waits indefinitely")

	InitRootCmd(rootCmd, v) // add subcommands like `keygen` and `version`

	return rootCmd
}

func InitRootCmd(rootCmd *cobra.Command, v *viper.Viper) {
	rootCmd.AddCommand(keygenCmd(v))
	rootCmd.AddCommand(signingCmd(v))
	rootCmd.AddCommand(historyCmd(v))
	rootCmd.AddCommand(versionCmd())
}
