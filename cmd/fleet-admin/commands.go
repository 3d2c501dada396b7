package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fleet-admin/internal/dispatch"
	"fleet-admin/internal/errors"
	"fleet-admin/internal/history"
	"fleet-admin/internal/ssh"
)

func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	var sudo bool
	var message string
	cmd := &cobra.Command{
		Use:   "run [flags] -- <command>",
		Short: "Run a shell command on every host of the topology",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.NewSetupError("command is required after '--'", nil)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := prepare(cmd.Flags().Changed("user"))
			if err != nil {
				return err
			}
			defer env.close()

			job := dispatch.CommandJob(strings.Join(args, " "), sudo)
			if message != "" {
				job.SuccessMessage = message
			}
			return runJob(env, job, stdout, stderr)
		},
	}
	cmd.Flags().BoolVarP(&sudo, "sudo", "s", false, "Run the command through sudo unless logged in as the privileged user")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Text of the per-host success line")
	cmd.SetUsageTemplate(cmd.UsageTemplate() + `
Note: Command to execute must be specified after '--' separator.
`)
	return cmd
}

func newDeployCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy <local-file> <remote-dir>",
		Short: "Copy a local file into a directory on every host",
		Long: `deploy uploads <local-file> to a staging path on every host as the login
user, then installs it into <remote-dir> through sudo.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return errors.NewSetupError("deploy takes exactly two arguments: <local-file> <remote-dir>", nil)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remoteDir := args[0], args[1]
			info, err := os.Stat(local)
			if err != nil {
				return errors.NewSetupError(fmt.Sprintf("cannot read %s", local), err)
			}
			if info.IsDir() {
				return errors.NewSetupError(fmt.Sprintf("%s is a directory", local), nil)
			}
			transfer, err := ssh.ParseTransfer(cfg.Transfer)
			if err != nil {
				return errors.NewSetupError(err.Error(), err)
			}

			env, err := prepare(cmd.Flags().Changed("user"))
			if err != nil {
				return err
			}
			defer env.close()
			return runJob(env, dispatch.DeployJob(local, remoteDir, transfer), stdout, stderr)
		},
	}
	cmd.Flags().String("transfer", "sftp", "Upload protocol (sftp, scp)")
	return cmd
}

func newTopologyCmd(stdout, stderr io.Writer) *cobra.Command {
	topo := &cobra.Command{
		Use:   "topology",
		Short: "Inspect the cluster topology",
	}
	topo.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved topology without contacting any host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := prepare(cmd.Flags().Changed("user"))
			if err != nil {
				return err
			}
			defer env.close()

			type shown struct {
				Coordinator string   `yaml:"coordinator"`
				Workers     []string `yaml:"workers"`
				Username    string   `yaml:"username"`
				Port        int      `yaml:"port"`
			}
			out := shown{
				Coordinator: env.topo.Coordinator().Name,
				Workers:     []string{},
				Username:    env.user,
				Port:        env.topo.Coordinator().Port,
			}
			for _, w := range env.topo.Workers() {
				out.Workers = append(out.Workers, w.Name)
			}
			enc := yaml.NewEncoder(stdout)
			enc.SetIndent(2)
			if err := enc.Encode(out); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return topo
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func newHistoryCmd(stdout io.Writer) *cobra.Command {
	var limit int
	var runID int64
	var keepDays, keepRuns int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.HistoryDB == "" {
				return errors.NewSetupError("no history database configured (use --history-db)", nil)
			}
			store, err := history.Open(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := context.Background()

			if keepDays > 0 || keepRuns > 0 {
				if err := store.Cleanup(ctx, keepDays, keepRuns); err != nil {
					return errors.NewSetupError("failed to trim history", err)
				}
			}

			if runID > 0 {
				run, err := store.Get(ctx, runID)
				if err != nil {
					return errors.NewSetupError(fmt.Sprintf("run %d not found", runID), err)
				}
				return printRun(stdout, run)
			}

			runs, err := store.ListRecent(ctx, limit)
			if err != nil {
				return errors.NewSetupError("failed to read history", err)
			}
			t := newTable("ID", "Started", "Mode", "Hosts", "Failed", "Exit", "Duration", "Command")
			for _, r := range runs {
				t.Row(strconv.FormatInt(r.ID, 10), r.StartedAt.Local().Format(time.DateTime), r.Mode,
					strconv.Itoa(r.Hosts), strconv.Itoa(r.Failed), strconv.Itoa(r.ExitCode),
					(time.Duration(r.DurationMs) * time.Millisecond).String(), r.Command)
			}
			_, err = fmt.Fprintln(stdout, t.Render())
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	cmd.Flags().Int64Var(&runID, "run", 0, "Show the per-host results of one run")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "Delete runs older than this many days first")
	cmd.Flags().IntVar(&keepRuns, "keep-runs", 0, "Keep at most this many runs")
	return cmd
}

func printRun(w io.Writer, run *history.Run) error {
	fmt.Fprintf(w, "Run %d: %s (%s, exit %d)\n", run.ID, run.Command, run.Mode, run.ExitCode)
	t := newTable("Host", "Role", "State", "Auth", "Exit", "Error")
	for _, h := range run.Results {
		errText := h.ErrorText
		if h.ErrorType != "" {
			errText = h.ErrorType + ": " + errText
		}
		t.Row(h.Host, h.Role, h.State, h.AuthMethod, strconv.Itoa(h.ExitCode), errText)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}
