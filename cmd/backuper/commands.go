package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tinytelemetry/backuper/internal/backup"
	"github.com/tinytelemetry/backuper/internal/config"
	"github.com/tinytelemetry/backuper/internal/history"
	"github.com/tinytelemetry/backuper/internal/snapshot"
)

func newServeCmd(opts *rootOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backup scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), opts, stdout)
		},
	}
}

func newRunCmd(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one backup and cleanup cycle, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			initLogging(cfg, stderr)

			engine := backup.NewEngine()
			if _, err := engine.EnsureDestination(cfg.Destination); err != nil {
				return err
			}

			var managerOpts []backup.ManagerOption
			if cfg.HistoryPath != "" {
				hist, err := history.Open(cfg.HistoryPath)
				if err != nil {
					return err
				}
				defer hist.Close()
				managerOpts = append(managerOpts, backup.WithRecorder(hist))
			}

			report, runErr := backup.NewManager(engine, cfg, managerOpts...).RunCycle(cmd.Context())
			if err := renderCycle(stdout, output, report); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}

func newCleanupCmd(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete snapshots older than keep_days, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			initLogging(cfg, stderr)

			report, runErr := backup.NewEngine().RunCleanup(cmd.Context(), cfg)
			if err := renderCleanup(stdout, output, report); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}

func newListCmd(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots under the destination",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			initLogging(cfg, stderr)

			snaps, err := snapshot.List(afero.NewOsFs(), cfg.Destination, time.Local)
			if err != nil {
				return err
			}
			switch output {
			case "json":
				return writeJSON(stdout, snaps)
			case "table", "":
				return renderSnapshots(stdout, cfg, snaps)
			default:
				return fmt.Errorf("unsupported --output: %s", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderCycle(w io.Writer, output string, report backup.CycleReport) error {
	switch output {
	case "json":
		return writeJSON(w, report)
	case "table", "":
	default:
		return fmt.Errorf("unsupported --output: %s", output)
	}

	copied, failed, bytes := report.Backup.Totals()
	fmt.Fprintf(w, "Snapshot %s: %d copied, %d failed, %s\n",
		report.Backup.Identity, copied, failed, humanize.IBytes(uint64(bytes)))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tCOPIED\tFAILED\tSIZE")
	for _, c := range report.Backup.Categories {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", c.Name, len(c.Copied), len(c.Failed), humanize.IBytes(uint64(c.Bytes)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, c := range report.Backup.Categories {
		for _, f := range c.Failed {
			fmt.Fprintf(w, "  failed %s/%s: %s\n", c.Name, f.Source, f.Error)
		}
	}
	return writeCleanupSummary(w, report.Cleanup)
}

func renderCleanup(w io.Writer, output string, report backup.CleanupReport) error {
	switch output {
	case "json":
		return writeJSON(w, report)
	case "table", "":
		return writeCleanupSummary(w, report)
	default:
		return fmt.Errorf("unsupported --output: %s", output)
	}
}

func writeCleanupSummary(w io.Writer, report backup.CleanupReport) error {
	fmt.Fprintf(w, "Cleanup (horizon %s): %d deleted, %d retained, %d skipped\n",
		report.Horizon, len(report.Deleted), len(report.Retained), len(report.Skipped))
	for _, name := range report.Deleted {
		fmt.Fprintf(w, "  delete %s\n", name)
	}
	for _, s := range report.Skipped {
		fmt.Fprintf(w, "  skip   %s (%s)\n", s.Name, s.Reason)
	}
	return nil
}

func renderSnapshots(w io.Writer, cfg config.Config, snaps []snapshot.Snapshot) error {
	if len(snaps) == 0 {
		fmt.Fprintf(w, "No snapshots in %s\n", cfg.Destination)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTIME\tRESOLUTION")
	for _, s := range snaps {
		when := "-"
		if !s.Time.IsZero() {
			when = s.Time.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, when, s.Resolution)
	}
	return tw.Flush()
}
