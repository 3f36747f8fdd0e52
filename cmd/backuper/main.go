package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "backuper",
		Short: "Periodic local snapshots of configured files and directories",
		Long: "backuper copies configured source paths into timestamped snapshot\n" +
			"directories under a destination root and deletes snapshots older than\n" +
			"the retention window. Without a subcommand it runs the scheduler.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), opts, stdout)
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default is config.yml next to the executable)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: console or json (overrides config)")

	cmd.AddCommand(newServeCmd(opts, stdout))
	cmd.AddCommand(newRunCmd(opts, stdout, stderr))
	cmd.AddCommand(newCleanupCmd(opts, stdout, stderr))
	cmd.AddCommand(newListCmd(opts, stdout, stderr))
	cmd.AddCommand(newVersionCmd(stdout))

	return cmd
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "Backuper - Local Snapshot Service\n")
			fmt.Fprintf(stdout, "  Version:    %s\n", version)
			fmt.Fprintf(stdout, "  Commit:     %s\n", commit)
			fmt.Fprintf(stdout, "  Built:      %s\n", buildTime)
			fmt.Fprintf(stdout, "  Go version: %s\n", goVersion)
		},
	}
}
