package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fleet-admin/internal/config"
	"fleet-admin/internal/errors"
	"fleet-admin/internal/logging"
	"fleet-admin/internal/report"
)

var (
	// Build-time variables (set via -ldflags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	// Global configuration, loaded in PersistentPreRunE
	cfg        *config.Config
	configFile string
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and returns the process exit code
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return report.ExitSuccess
	}

	var re *runExit
	if stderrors.As(err, &re) {
		return re.code
	}

	fmt.Fprintln(stderr, err)
	var le *loggedError
	if stderrors.As(err, &le) && le.logPath != "" {
		fmt.Fprintf(stderr, "More detailed information can be found in %s\n", le.logPath)
	}
	return getExitCode(err)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "fleet-admin",
		Short: "Run administrative commands across a coordinator and its workers",
		Long: `fleet-admin runs shell commands over SSH on every host of a cluster
topology (one coordinator, any number of workers), optionally through sudo,
and reports per-host success or failure.

Examples:
  # Run a command on every host of the topology file
  fleet-admin --topology cluster.yaml run -- uptime

  # Run through sudo, prompting for the login password
  fleet-admin -u app-admin -I --topology cluster.yaml run --sudo -- "service presto restart"

  # Install a connector file on every host, one host at a time
  fleet-admin --topology cluster.yaml --serial deploy tpch.properties /etc/presto/catalog`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			m := config.NewManager()
			m.ConfigFile = configFile
			loaded, err := m.Load(cmd.Flags())
			if err != nil {
				return errors.NewSetupError(fmt.Sprintf("failed to load configuration: %v", err), err)
			}
			cfg = loaded
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default: ./config.yaml, ~/.config/fleet-admin, /etc/fleet-admin)")
	pf.StringP("topology", "t", "", "Topology file (YAML or JSON with coordinator and workers)")
	pf.String("inventory", "", "Ansible inventory (YAML or JSON) used instead of a topology file")
	pf.String("coordinator-group", "coordinator", "Inventory group holding the coordinator")
	pf.String("worker-group", "workers", "Inventory group holding the workers")
	pf.String("coordinator", "", "Coordinator host, when no topology file is given")
	pf.StringSlice("workers", nil, "Worker hosts, when no topology file is given")
	pf.StringP("user", "u", "", "Login user (default: the privileged user)")
	pf.StringP("key-file", "i", "", "Private key file tried before any other method")
	pf.BoolP("interactive", "I", false, "Prompt once for the login password")
	pf.StringP("password", "p", "", "Login password")
	pf.String("sudo-password", "", "Sudo password (default: the login password)")
	pf.String("privileged-user", "root", "User that never needs sudo")
	pf.Bool("use-agent", true, "Offer ssh-agent keys")
	pf.Bool("serial", false, "Run on one host at a time, keeping connections open until the end")
	pf.String("concurrency", "auto", "Maximum concurrent sessions ('auto' or number)")
	pf.Duration("connect-timeout", 30*time.Second, "Per-host connect timeout")
	pf.Duration("cmd-timeout", 0, "Per-host command timeout (0 for none)")
	pf.Int("connect-retries", 0, "Extra connect attempts on transient network errors")
	pf.Int("password-retries", 1, "Extra password attempts after a rejection")
	pf.String("output", "streamed", "Output format (streamed, buffered, json)")
	pf.String("log-file", logging.DefaultLogFile, "Log file ('-' for stderr)")
	pf.String("log-level", "info", "Log level (debug, info, error)")
	pf.String("log-format", "text", "Log format (json, text)")
	pf.BoolP("quiet", "q", false, "Suppress the run summary")
	pf.Bool("strict-host-key", false, "Refuse hosts missing from known_hosts")
	pf.String("known-hosts", "", "Known hosts file")
	pf.String("history-db", "", "Record runs in this sqlite database")
	pf.Bool("progress", false, "Show a progress line on stderr")

	root.AddCommand(
		newRunCmd(stdout, stderr),
		newDeployCmd(stdout, stderr),
		newTopologyCmd(stdout, stderr),
		newHistoryCmd(stdout),
		newVersionCmd(stdout),
	)
	return root
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "fleet-admin %s\n", version)
			fmt.Fprintf(stdout, "Commit: %s\n", commit)
			fmt.Fprintf(stdout, "Built: %s\n", buildTime)
		},
	}
}

// runExit carries the exit code of a run whose outcome was already reported
type runExit struct{ code int }

func (e *runExit) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// loggedError is a fatal error whose details were written to the log file
type loggedError struct {
	err     error
	logPath string
}

func (e *loggedError) Error() string { return e.err.Error() }
func (e *loggedError) Unwrap() error { return e.err }

// getExitCode determines the appropriate exit code based on error type
// Returns:
//   - 0: Success (all hosts succeeded)
//   - 1: Execution failure (one or more hosts failed)
//   - 2: Setup error (invalid topology, configuration, local permissions)
func getExitCode(err error) int {
	if err == nil {
		return report.ExitSuccess
	}
	var ce *errors.ClassifiedError
	if !stderrors.As(err, &ce) {
		// cobra usage errors and anything unclassified
		return report.ExitFatal
	}
	return report.ExitCodeFor(err)
}
