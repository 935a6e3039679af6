package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/boxentry/internal/appconfig"
	"pkt.systems/boxentry/internal/posture"
)

func newCheckCmd() *cobra.Command {
	var cfgPath string
	var format string
	var strict bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the startup security checks and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			subject := posture.Subject{UID: os.Geteuid(), HostUIDSet: cfg.Host.Set()}
			report := posture.Evaluate(cmd.Context(), posture.NewHost(cfg.Checks), subject, cfg.Checks.Disabled)
			if err := writeReport(cmd.OutOrStdout(), report, format); err != nil {
				return err
			}
			if strict && len(report.Findings) > 0 {
				return fmt.Errorf("%d check(s) fired: %s", len(report.Findings), strings.Join(firedIDs(report), ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|yaml)")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any check fires")
	return cmd
}

func writeReport(w io.Writer, report posture.Report, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return writeReportText(w, report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want text or yaml)", format)
	}
}

func writeReportText(w io.Writer, report posture.Report) error {
	if len(report.Findings) == 0 {
		_, err := fmt.Fprintf(w, "ok: %d checks evaluated, none fired\n", len(report.Evaluated))
		return err
	}
	for _, f := range report.Findings {
		line := fmt.Sprintf("%s %s: %s", strings.ToUpper(f.Severity), f.ID, f.Message)
		if len(f.Evidence) > 0 {
			parts := make([]string, 0, len(f.Evidence))
			for _, key := range slices.Sorted(maps.Keys(f.Evidence)) {
				parts = append(parts, key+"="+f.Evidence[key])
			}
			line += " (" + strings.Join(parts, " ") + ")"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func firedIDs(report posture.Report) []string {
	ids := make([]string, 0, len(report.Findings))
	for _, f := range report.Findings {
		ids = append(ids, f.ID)
	}
	return ids
}
