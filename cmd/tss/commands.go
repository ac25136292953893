package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pushchain/tss-relay/config"
	tsserrors "github.com/pushchain/tss-relay/errors"
	"github.com/pushchain/tss-relay/logger"
	"github.com/pushchain/tss-relay/tss/journal"
	"github.com/pushchain/tss-relay/tss/keygen"
	"github.com/pushchain/tss-relay/tss/keyshare"
	"github.com/pushchain/tss-relay/tss/protocol"
	"github.com/pushchain/tss-relay/tss/signing"
)

// Set with -ldflags "-X main.Version=... -X main.Commit=..."
var (
	Version = "dev"
	Commit  = ""
)

func keygenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Run distributed key generation and write the local key share",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadKeygen(v)
			if err != nil {
				return err
			}
			s, err := newSession(cmd.Context(), cfg.Config)
			if err != nil {
				return err
			}
			defer s.close()

			c := keygen.NewCoordinator(s.relay, keyshare.NewStore(cfg.Password),
				keygen.WithLogger(s.log),
				keygen.WithMetrics(s.metrics),
			)
			var res *keygen.Result
			err = s.track("keygen", cfg.Room, func() (journal.Session, error) {
				r, err := c.Run(s.ctx, keygen.Request{
					Room:      cfg.Room,
					Output:    cfg.Output,
					Index:     protocol.PartyIndex(cfg.Index),
					Threshold: cfg.Threshold,
					Parties:   cfg.Parties,
				})
				if err != nil {
					return journal.Session{}, err
				}
				res = r
				return journal.Session{
					Index:     uint16(res.Index),
					PublicKey: res.PublicKey,
					Output:    res.Output,
				}, nil
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().String("room", "default-keygen", "relay room shared by all parties")
	cmd.Flags().StringP("output", "o", "", "path of the key share to create; an existing file is never overwritten")
	cmd.Flags().IntP("index", "i", 0, "expected party index; 0 accepts the index the relay assigns")
	cmd.Flags().IntP("threshold", "t", 0, "threshold t; any t+1 parties can sign")
	cmd.Flags().IntP("number-of-parties", "n", 0, "number of parties n")

	return cmd
}

func signingCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signing",
		Short: "Sign data together with the other parties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadSigning(v)
			if err != nil {
				return err
			}

			artifact, err := keyshare.NewStore(cfg.Password).Load(cfg.LocalShare)
			if err != nil {
				return tsserrors.NewStorageError("failed to load local share", err).WithStage(tsserrors.StageStore)
			}

			s, err := newSession(cmd.Context(), cfg.Config)
			if err != nil {
				return err
			}
			defer s.close()

			parties := make([]protocol.PartyIndex, len(cfg.Parties))
			for i, p := range cfg.Parties {
				parties[i] = protocol.PartyIndex(p)
			}

			c := signing.NewCoordinator(s.relay,
				signing.WithLogger(s.log),
				signing.WithMetrics(s.metrics),
			)
			var res *signing.Result
			err = s.track("signing", cfg.Room, func() (journal.Session, error) {
				r, err := c.Run(s.ctx, signing.Request{
					Room:    cfg.Room,
					Share:   artifact,
					Parties: parties,
					Digest:  cfg.Digest,
				})
				if err != nil {
					return journal.Session{}, err
				}
				res = r
				return journal.Session{
					Index:     artifact.Index,
					PublicKey: res.PublicKey,
					Digest:    res.Digest,
					Signature: res.RS,
				}, nil
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().String("room", "default-signing", "relay room shared by all signers")
	cmd.Flags().StringP("local-share", "l", "", "key share written by keygen")
	cmd.Flags().StringP("parties", "p", "", "comma separated key share indices of the signers, in join order")
	cmd.Flags().StringP("data-to-sign", "d", "", "hex encoded digest to sign")

	return cmd
}

func historyCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sessions recorded in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if cfg.Journal == "" {
				return tsserrors.NewConfigError("journal path is required")
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}

			j, err := openJournal(cfg.Journal, logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler))
			if err != nil {
				return err
			}
			defer j.Close()

			sessions, err := j.Recent(limit)
			if err != nil {
				return tsserrors.NewStorageError("failed to read session journal", err)
			}
			return printJSON(cmd.OutOrStdout(), sessions)
		},
	}

	cmd.Flags().Int("limit", 20, "number of sessions to show; 0 shows all")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print tss version info",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:    %s\n", Version)
			fmt.Fprintf(out, "Commit:     %s\n", Commit)
			fmt.Fprintf(out, "Go:         %s\n", runtime.Version())
		},
	}
}
