package main

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sentinelguard/sentinel/guardian/api"
	"github.com/sentinelguard/sentinel/guardian/config"
	"github.com/sentinelguard/sentinel/guardian/core"
	"github.com/sentinelguard/sentinel/guardian/incidentstore"
	"github.com/sentinelguard/sentinel/guardian/ledger"
	"github.com/sentinelguard/sentinel/guardian/logger"
	"github.com/sentinelguard/sentinel/guardian/submitter"
)

// offline carries what an incidents subcommand needs without a running node.
type offline struct {
	cfg   *config.Config
	log   zerolog.Logger
	store *incidentstore.Store
}

func withStore(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, o *offline) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat, false)

	database, st, err := core.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(cmd.Context(), &offline{cfg: cfg, log: log, store: st})
}

// withSubmitter builds a submitter over the configured ledger for one command.
func withSubmitter(ctx context.Context, o *offline, fn func(sub *submitter.Submitter) error) error {
	client, err := ledger.FromConfig(ctx, o.cfg.Ledger, o.log)
	if err != nil {
		return err
	}
	if closer, ok := client.(interface{ Close() }); ok {
		defer closer.Close()
	}
	return fn(core.NewSubmitter(o.cfg, o.store, client, o.log))
}

func incidentsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "incidents",
		Aliases: []string{"inc"},
		Short:   "Inspect and submit stored incidents",
	}

	cmd.PersistentFlags().StringP("output", "o", OutputFormatYAML, "output format (yaml|json)")

	cmd.AddCommand(
		incidentStatusCmd(v),
		incidentSubmitCmd(v),
		incidentResubmitCmd(v),
		incidentResubmitFailedCmd(v),
		incidentStatsCmd(v),
	)
	return cmd
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return format
}

func incidentStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status [incident-id]",
		Short: "Show a stored incident and its chain status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, o *offline) error {
				inc, err := o.store.GetIncident(ctx, args[0])
				if err != nil {
					return err
				}
				return printOutput(cmd.OutOrStdout(), outputFormat(cmd), api.ViewOf(inc))
			})
		},
	}
}

func incidentSubmitCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "submit [incident-id]",
		Short: "Submit a pending incident to the ledger and wait for the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, o *offline) error {
				return withSubmitter(ctx, o, func(sub *submitter.Submitter) error {
					res, err := sub.Submit(ctx, args[0])
					if err != nil {
						return err
					}
					return printOutput(cmd.OutOrStdout(), outputFormat(cmd), res)
				})
			})
		},
	}
}

func incidentResubmitCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit [incident-id]",
		Short: "Reset a failed incident to pending and submit it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, o *offline) error {
				return withSubmitter(ctx, o, func(sub *submitter.Submitter) error {
					if err := o.store.ResetFailed(ctx, args[0]); err != nil {
						return err
					}
					res, err := sub.Submit(ctx, args[0])
					if err != nil {
						return err
					}
					return printOutput(cmd.OutOrStdout(), outputFormat(cmd), res)
				})
			})
		},
	}
}

func incidentResubmitFailedCmd(v *viper.Viper) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "resubmit-failed",
		Short: "Reset eligible failed incidents and submit them again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, o *offline) error {
				return withSubmitter(ctx, o, func(sub *submitter.Submitter) error {
					ids, err := o.store.ResetFailedBatch(ctx, sub.Threshold(), limit)
					if err != nil {
						return err
					}
					results := make([]*submitter.Result, 0, len(ids))
					for _, id := range ids {
						res, err := sub.Submit(ctx, id)
						if err != nil {
							return err
						}
						results = append(results, res)
					}
					return printOutput(cmd.OutOrStdout(), outputFormat(cmd), results)
				})
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum incidents to resubmit")
	return cmd
}

func incidentStatsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count incidents by status, category and severity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, o *offline) error {
				stats, err := o.store.Stats(ctx)
				if err != nil {
					return err
				}
				return printOutput(cmd.OutOrStdout(), outputFormat(cmd), stats)
			})
		},
	}
}
