package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"fleet-admin/internal/credential"
	"fleet-admin/internal/dispatch"
	"fleet-admin/internal/history"
	"fleet-admin/internal/inventory"
	"fleet-admin/internal/logging"
	"fleet-admin/internal/output"
	"fleet-admin/internal/progress"
	"fleet-admin/internal/report"
	"fleet-admin/internal/ssh"
	"fleet-admin/internal/topology"
)

// environment is everything a subcommand needs once configuration is loaded
type environment struct {
	logger *logging.Logger
	topo   *topology.Topology
	user   string
}

func (e *environment) close() {
	e.logger.Close()
}

// fatal wraps err so the CLI points the operator at the log file
func (e *environment) fatal(err error) error {
	e.logger.Error("Fatal error", "error", err.Error())
	return &loggedError{err: err, logPath: e.logger.Path()}
}

// prepare opens the log and resolves the topology. No host is contacted.
func prepare(userChanged bool) (*environment, error) {
	logger, err := logging.OpenFile(cfg.LogFile, logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
		Quiet:  cfg.Quiet,
	})
	if err != nil {
		return nil, err
	}
	env := &environment{logger: logger, user: cfg.User}
	logger.LogConfigLoad("CLI flags, environment and configuration files")

	source := "command line"
	spec := topology.Spec{Coordinator: cfg.Coordinator, Workers: cfg.Workers}
	switch {
	case cfg.Topology != "":
		source = fmt.Sprintf("topology file: %s", cfg.Topology)
		spec, err = topology.LoadFile(cfg.Topology)
	case cfg.Inventory != "":
		source = fmt.Sprintf("inventory file: %s", cfg.Inventory)
		var inv *inventory.Inventory
		if inv, err = inventory.LoadFile(cfg.Inventory); err == nil {
			spec, err = inv.Spec(cfg.CoordGroup, cfg.WorkerGroup)
		}
	}
	if err != nil {
		logger.LogTopologyError(source, err)
		defer env.close()
		return nil, env.fatal(err)
	}

	topo, err := topology.Resolve(spec)
	if err != nil {
		logger.LogTopologyError(source, err)
		defer env.close()
		return nil, env.fatal(err)
	}
	logger.LogTopology(source, topo.Len())
	env.topo = topo

	if topo.Username() != "" && !userChanged {
		env.user = topo.Username()
	}
	return env, nil
}

// signalContext cancels on SIGINT or SIGTERM
func signalContext(logger *logging.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal, canceling operations", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// runJob dispatches job across the topology, prints the report and records
// it in the history database when one is configured.
func runJob(env *environment, job dispatch.Job, stdout, stderr io.Writer) error {
	logger := env.logger

	mode, err := output.ParseMode(cfg.Output)
	if err != nil {
		return env.fatal(err)
	}
	concurrency, err := dispatch.ParseConcurrency(cfg.Concurrency)
	if err != nil {
		return env.fatal(err)
	}

	var prompt credential.Prompt
	if cfg.Interactive {
		prompt = credential.NewPrompter(os.Stdin, stderr)
	}
	strategy := credential.NewStrategy(credential.Options{
		User:            env.user,
		KeyFile:         cfg.KeyFile,
		Password:        cfg.Password,
		Interactive:     cfg.Interactive,
		UseAgent:        cfg.UseAgent,
		PasswordRetries: cfg.PasswordRetries,
	}, prompt, logger)
	defer strategy.Close()

	agg := output.NewAggregator(mode, stdout)
	hosts := env.topo.Hosts()
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	agg.SetHostOrder(names)

	dcfg := dispatch.DefaultConfig()
	if cfg.Serial {
		dcfg.Mode = dispatch.Serial
	}
	dcfg.Concurrency = concurrency
	dcfg.ConnectTimeout = cfg.ConnectTimeout
	dcfg.CmdTimeout = cfg.CmdTimeout
	dcfg.ConnectRetries = cfg.ConnectRetries
	dcfg.PasswordRetries = cfg.PasswordRetries
	dcfg.PrivilegedUser = cfg.PrivilegedUser
	dcfg.SudoPassword = cfg.SudoPassword

	sshOpts := ssh.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		KnownHosts:     cfg.KnownHosts,
		StrictHostKey:  cfg.StrictHostKey,
	}
	newClient := func() ssh.Client { return ssh.NewClient(sshOpts, logger) }

	d := dispatch.New(dcfg, strategy, newClient, agg, logger)
	tracker := progress.NewTracker(len(hosts), stderr, cfg.ShowProgress && isTerminal(stderr))
	d.OnState(tracker.Observe)

	ctx, stop := signalContext(logger)
	defer stop()

	rep := d.Run(ctx, env.topo, job)
	tracker.Finish()
	if err := agg.Close(); err != nil {
		logger.Error("Failed to write output", "error", err.Error())
	}

	if !cfg.Quiet {
		if err := rep.Render(stderr, isTerminal(stderr)); err != nil {
			logger.Error("Failed to write report", "error", err.Error())
		}
	}

	if cfg.HistoryDB != "" {
		if err := record(ctx, cfg.HistoryDB, rep, logger); err != nil {
			fmt.Fprintf(stderr, "Warning: run not recorded in %s: %v\n", cfg.HistoryDB, err)
		}
	}

	if code := rep.ExitCode(); code != 0 {
		return &runExit{code: code}
	}
	return nil
}

func record(ctx context.Context, path string, rep *report.RunReport, logger *logging.Logger) error {
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	id, err := store.Insert(context.WithoutCancel(ctx), rep)
	if err != nil {
		return err
	}
	logger.Info("Recorded run", "run_id", id, "database", path)
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
