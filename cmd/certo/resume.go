package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/certo/pkg/engine"
	"github.com/ormasoftchile/certo/pkg/notify"
	"github.com/ormasoftchile/certo/pkg/procedure"
	"github.com/ormasoftchile/certo/pkg/store"
)

var (
	resumeListen string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [procedure.yaml] [session-id]",
	Short: "Resume an interrupted session from its persisted state",
	Long: `Resume reloads a non-terminal session from the database and continues it
from the step it was on. Actions whose request evidence already exists are
not re-issued.`,
	Args: cobra.ExactArgs(2),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeListen, "listen", ":8372", "address for the notification intake endpoint")
	resumeCmd.Flags().StringVar(&runOut, "out", "", "directory to write report.yaml into")
}

func runResume(cmd *cobra.Command, args []string) error {
	proc, errs := procedure.ValidateFile(args[0])
	if len(errs) > 0 {
		return fmt.Errorf("procedure validation failed with %d error(s)", len(errs))
	}
	id := args[1]

	logger := newLogger()
	db, err := store.Open(flagDB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	listener := notify.NewListener(db, logger)
	harness := engine.New(db, db, listener, engine.Options{Logger: logger})
	harness.Register(proc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("POST /sessions/{session}/notifications", listener.Handler())
	srv := &http.Server{Addr: resumeListen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("notification endpoint", "err", err)
		}
	}()
	defer srv.Close()

	if err := harness.Resume(ctx, id); err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	fmt.Printf("%s %s resumed\n", headerStyle.Render("session"), id)

	select {
	case <-harness.Done(id):
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "interrupt received, aborting session")
		_ = harness.AbortSession(context.Background(), id)
		<-harness.Done(id)
	}

	return summarize(db, proc, id)
}
