package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/certo/pkg/engine"
	"github.com/ormasoftchile/certo/pkg/evidence"
	"github.com/ormasoftchile/certo/pkg/notify"
	"github.com/ormasoftchile/certo/pkg/procedure"
	"github.com/ormasoftchile/certo/pkg/serve"
	"github.com/ormasoftchile/certo/pkg/store"
)

var (
	serveAddr    string
	serveProcDir string
	serveTrace   string
	serveResume  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the harness control API",
	Long: `Serve loads every procedure from the procedures directory and exposes the
session control plane over HTTP. The same port receives notification posts
from systems under test.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8372", "listen address")
	serveCmd.Flags().StringVar(&serveProcDir, "procedures", "procedures", "directory of procedure YAML files")
	serveCmd.Flags().StringVar(&serveTrace, "trace", "", "append a JSONL trace of evidence and verdicts to this file")
	serveCmd.Flags().BoolVar(&serveResume, "resume", true, "resume non-terminal sessions found in the database")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	db, err := store.Open(flagDB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	var rec evidence.Recorder = db
	if serveTrace != "" {
		tw, err := evidence.NewTraceWriter(serveTrace)
		if err != nil {
			return err
		}
		defer tw.Close()
		rec = evidence.Traced(db, tw)
	}

	listener := notify.NewListener(rec, logger)
	harness := engine.New(db, rec, listener, engine.Options{Logger: logger})

	loaded, err := loadProcedures(harness, serveProcDir)
	if err != nil {
		return err
	}
	logger.Info("procedures loaded", "count", loaded, "dir", serveProcDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveResume {
		ids, err := db.Active(ctx)
		if err != nil {
			return fmt.Errorf("find active sessions: %w", err)
		}
		for _, id := range ids {
			if err := harness.Resume(ctx, id); err != nil {
				logger.Warn("could not resume session", "session", id, "err", err)
			}
		}
	}

	server := serve.New(serveAddr, harness, rec, listener, logger)
	return server.Run(ctx)
}

// loadProcedures registers every valid procedure in dir. Invalid files are
// reported and skipped rather than failing startup.
func loadProcedures(h *engine.Harness, dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return 0, fmt.Errorf("scan procedures: %w", err)
	}
	more, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return 0, fmt.Errorf("scan procedures: %w", err)
	}
	paths = append(paths, more...)

	loaded := 0
	for _, path := range paths {
		proc, errs := procedure.ValidateFile(path)
		if len(errs) > 0 {
			fmt.Fprintf(os.Stderr, "skipping %s: %d validation error(s)\n", path, len(errs))
			continue
		}
		h.Register(proc)
		loaded++
	}
	if loaded == 0 {
		return 0, fmt.Errorf("no valid procedures found in %s", dir)
	}
	return loaded, nil
}
