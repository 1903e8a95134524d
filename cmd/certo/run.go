package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/certo/pkg/engine"
	"github.com/ormasoftchile/certo/pkg/evidence"
	"github.com/ormasoftchile/certo/pkg/notify"
	"github.com/ormasoftchile/certo/pkg/procedure"
	"github.com/ormasoftchile/certo/pkg/report"
	"github.com/ormasoftchile/certo/pkg/session"
	"github.com/ormasoftchile/certo/pkg/store"
)

var (
	runTarget string
	runVars   []string
	runListen string
	runTrace  string
	runOut    string
)

var runCmd = &cobra.Command{
	Use:   "run [procedure.yaml]",
	Short: "Run a conformance procedure against a target DER server",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runTarget, "target", "", "base URL of the system under test (required)")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "session variable as key=value (repeatable)")
	runCmd.Flags().StringVar(&runListen, "listen", ":8372", "address for the notification intake endpoint")
	runCmd.Flags().StringVar(&runTrace, "trace", "", "append a JSONL trace of evidence and verdicts to this file")
	runCmd.Flags().StringVar(&runOut, "out", "", "directory to write report.yaml into")
	runCmd.MarkFlagRequired("target")
}

func runRun(cmd *cobra.Command, args []string) error {
	proc, errs := procedure.ValidateFile(args[0])
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  [%s] %s\n", e.Phase, e.Message)
		}
		return fmt.Errorf("procedure validation failed with %d error(s)", len(errs))
	}

	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}

	logger := newLogger()
	db, err := store.Open(flagDB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	var rec evidence.Recorder = db
	if runTrace != "" {
		tw, err := evidence.NewTraceWriter(runTrace)
		if err != nil {
			return err
		}
		defer tw.Close()
		rec = evidence.Traced(db, tw)
	}

	listener := notify.NewListener(rec, logger)
	harness := engine.New(db, rec, listener, engine.Options{Logger: logger})
	harness.Register(proc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Notification intake runs for the whole session so the target can
	// push at any point.
	mux := http.NewServeMux()
	mux.Handle("POST /sessions/{session}/notifications", listener.Handler())
	srv := &http.Server{Addr: runListen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("notification endpoint", "err", err)
		}
	}()
	defer srv.Close()

	id, err := harness.StartSession(ctx, proc.Meta.ID, runTarget, vars)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	fmt.Printf("%s %s\n", headerStyle.Render("session"), id)

	select {
	case <-harness.Done(id):
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "interrupt received, aborting session")
		_ = harness.AbortSession(context.Background(), id)
		<-harness.Done(id)
	}

	return summarize(db, proc, id)
}

// summarize loads the finished session, prints the per-step outcomes and
// writes report.yaml when requested. A non-passed session is a command
// error so CI gets a non-zero exit.
func summarize(db *store.Store, proc *procedure.Procedure, id string) error {
	ctx := context.Background()
	sess, err := db.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	evs, err := db.List(ctx, id)
	if err != nil {
		return fmt.Errorf("list evidence: %w", err)
	}

	rep := report.Build(proc, sess, evs)
	printReport(rep)

	if runOut != "" {
		path, err := report.Write(rep, runOut)
		if err != nil {
			return err
		}
		fmt.Printf("%s report written to %s\n", dimStyle.Render("→"), path)
	}

	if sess.Status != session.StatusPassed {
		return fmt.Errorf("session %s: %s", id, sess.Status)
	}
	return nil
}

func printReport(rep *report.Report) {
	fmt.Println()
	fmt.Printf("%s %s against %s\n", headerStyle.Render(rep.Procedure), rep.Version, rep.Target)
	for _, s := range rep.Steps {
		title := s.Title
		if title == "" {
			title = s.ID
		}
		info := ""
		if s.Informational {
			info = " " + dimStyle.Render(glyphInfo)
		}
		fmt.Printf("  %s %s%s\n", outcomeGlyph(s.Outcome), title, info)
		for _, v := range s.Verdicts {
			if v.Outcome != "pass" {
				fmt.Printf("      %s %s\n", dimStyle.Render(v.Assertion), v.Message)
			}
		}
	}
	fmt.Println()
	fmt.Printf("%s  %d passed, %d failed, %d inconclusive, %d not reached (%d evidence records)\n",
		statusLine(rep.Status),
		rep.Summary.Passed, rep.Summary.Failed, rep.Summary.Inconclusive,
		rep.Summary.NotReached, rep.EvidenceCount)
	if rep.Explanation != "" {
		fmt.Printf("%s\n", dimStyle.Render(rep.Explanation))
	}
}

func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, v := range pairs {
		parts := strings.SplitN(v, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", v)
		}
		vars[parts[0]] = parts[1]
	}
	return vars, nil
}
