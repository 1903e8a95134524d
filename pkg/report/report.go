// Package report assembles the conformance report for one finished (or
// aborted) session: per-step outcomes with the evidence sequence numbers
// behind each verdict, plus run-level totals.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/certo/pkg/evidence"
	"github.com/ormasoftchile/certo/pkg/procedure"
	"github.com/ormasoftchile/certo/pkg/session"
)

// Report is the complete record of one session, written as report.yaml.
type Report struct {
	SessionID   string `yaml:"session_id"            json:"session_id"`
	Procedure   string `yaml:"procedure"             json:"procedure"`
	Version     string `yaml:"version,omitempty"     json:"version,omitempty"`
	Target      string `yaml:"target"                json:"target"`
	Status      string `yaml:"status"                json:"status"`
	Explanation string `yaml:"explanation,omitempty" json:"explanation,omitempty"`
	StartedAt   string `yaml:"started_at"            json:"started_at"`
	EndedAt     string `yaml:"ended_at,omitempty"    json:"ended_at,omitempty"`
	Duration    string `yaml:"duration,omitempty"    json:"duration,omitempty"`

	Steps   []StepReport `yaml:"steps"    json:"steps"`
	Summary Summary      `yaml:"summary"  json:"summary"`

	// EvidenceCount is the length of the session's evidence log, for
	// cross-checking the report against the durable record.
	EvidenceCount int `yaml:"evidence_count" json:"evidence_count"`
}

// StepReport is one step's outcome with its verdicts.
type StepReport struct {
	ID            string          `yaml:"id"                      json:"id"`
	Title         string          `yaml:"title,omitempty"         json:"title,omitempty"`
	Outcome       string          `yaml:"outcome"                 json:"outcome"`
	Informational bool            `yaml:"informational,omitempty" json:"informational,omitempty"`
	Attempts      int             `yaml:"attempts,omitempty"      json:"attempts,omitempty"`
	Verdicts      []VerdictReport `yaml:"verdicts,omitempty"      json:"verdicts,omitempty"`
}

// VerdictReport is one assertion's verdict, with the seqs of the evidence
// records it judged.
type VerdictReport struct {
	Assertion string  `yaml:"assertion"          json:"assertion"`
	Outcome   string  `yaml:"outcome"            json:"outcome"`
	Message   string  `yaml:"message,omitempty"  json:"message,omitempty"`
	Evidence  []int64 `yaml:"evidence,omitempty" json:"evidence,omitempty"`
}

// Summary counts step outcomes.
type Summary struct {
	Total        int `yaml:"total"        json:"total"`
	Passed       int `yaml:"passed"       json:"passed"`
	Failed       int `yaml:"failed"       json:"failed"`
	Inconclusive int `yaml:"inconclusive" json:"inconclusive"`
	NotReached   int `yaml:"not_reached"  json:"not_reached"`
}

// Build assembles a report from the session's final state and its evidence
// log. Verdicts come from the session; evidence only contributes the count
// and is never re-judged here.
func Build(proc *procedure.Procedure, sess *session.Session, evs []evidence.Evidence) *Report {
	r := &Report{
		SessionID:     sess.ID,
		Procedure:     sess.ProcedureID,
		Target:        sess.Target,
		Status:        string(sess.Status),
		Explanation:   sess.Explanation,
		StartedAt:     sess.StartedAt.UTC().Format(time.RFC3339),
		EvidenceCount: len(evs),
	}
	if proc != nil {
		r.Version = proc.Meta.Version
	}
	if !sess.EndedAt.IsZero() {
		r.EndedAt = sess.EndedAt.UTC().Format(time.RFC3339)
		r.Duration = sess.EndedAt.Sub(sess.StartedAt).Round(time.Millisecond).String()
	}

	steps := stepList(proc, sess)
	for i, id := range steps {
		sr := StepReport{ID: id}
		var step *procedure.Step
		if proc != nil {
			step = proc.StepByID(id)
		}
		if step != nil {
			sr.Title = step.Title
			sr.Informational = step.Informational
		}

		verdicts := sess.StepVerdicts(id)
		for _, v := range verdicts {
			if v.Attempt > sr.Attempts {
				sr.Attempts = v.Attempt
			}
			sr.Verdicts = append(sr.Verdicts, VerdictReport{
				Assertion: v.Assertion,
				Outcome:   string(v.Outcome),
				Message:   v.Message,
				Evidence:  v.Evidence,
			})
		}
		sr.Outcome = stepOutcome(verdicts, i, sess)
		r.Steps = append(r.Steps, sr)

		switch sr.Outcome {
		case "passed":
			r.Summary.Passed++
		case "failed":
			r.Summary.Failed++
		case "inconclusive":
			r.Summary.Inconclusive++
		case "not_reached":
			r.Summary.NotReached++
		}
	}
	r.Summary.Total = len(r.Steps)
	return r
}

// stepList returns the procedure's step ids, falling back to the ids seen
// in verdicts when the definition is unavailable.
func stepList(proc *procedure.Procedure, sess *session.Session) []string {
	if proc != nil {
		ids := make([]string, 0, len(proc.Steps))
		for i := range proc.Steps {
			ids = append(ids, proc.Steps[i].ID)
		}
		return ids
	}
	var ids []string
	seen := make(map[string]bool)
	for _, v := range sess.Verdicts {
		if !seen[v.StepID] {
			seen[v.StepID] = true
			ids = append(ids, v.StepID)
		}
	}
	return ids
}

// stepOutcome derives a step's outcome from its final-attempt verdicts.
// A step passes when every verdict passes; one fail fails it; outstanding
// inconclusives leave it inconclusive. Steps the scheduler never reached
// carry no verdicts and report not_reached.
func stepOutcome(verdicts []evidence.Verdict, index int, sess *session.Session) string {
	if len(verdicts) == 0 {
		if index > sess.CurrentStep || sess.Status == session.StatusAborted {
			return "not_reached"
		}
		return "inconclusive"
	}
	outcome := "passed"
	for _, v := range verdicts {
		switch v.Outcome {
		case evidence.Fail:
			return "failed"
		case evidence.Inconclusive:
			outcome = "inconclusive"
		}
	}
	return outcome
}

// Write writes the report as report.yaml under dir, creating it if needed.
func Write(r *Report, dir string) (string, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, "report.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
