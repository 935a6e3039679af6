package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/boxentry/internal/appconfig"
	"pkt.systems/boxentry/internal/entrypoint"
	"pkt.systems/pslog"
)

func newExecCmd() *cobra.Command {
	var cfgPath string
	var skipChecks bool
	cmd := &cobra.Command{
		Use:   "exec [flags] [--] command [args...]",
		Short: "Normalize identity, then replace this process with command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := pslog.Ctx(cmd.Context())
			normalizer, err := entrypoint.New(cfg, entrypoint.Options{SkipChecks: skipChecks, Logger: logger})
			if err != nil {
				return err
			}
			logger.Debug("entrypoint start", "argv", args, "skip_checks", skipChecks)
			_, err = normalizer.Run(cmd.Context(), args)
			return err
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().BoolVar(&skipChecks, "skip-checks", false, "skip the startup security checks")
	return cmd
}
