package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Query a running control API for session state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:8372", "control API base URL")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(fmt.Sprintf("%s/sessions/%s", statusAddr, args[0]))
	if err != nil {
		return fmt.Errorf("query control API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("control API returned %d: %s", resp.StatusCode, e.Error)
	}

	var sess struct {
		ID          string    `json:"id"`
		ProcedureID string    `json:"procedure_id"`
		Target      string    `json:"target"`
		Status      string    `json:"status"`
		CurrentStep int       `json:"current_step"`
		Attempt     int       `json:"attempt"`
		StartedAt   time.Time `json:"started_at"`
		Explanation string    `json:"explanation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}

	fmt.Printf("%s %s\n", headerStyle.Render("session"), sess.ID)
	fmt.Printf("  procedure: %s\n", sess.ProcedureID)
	fmt.Printf("  target:    %s\n", sess.Target)
	fmt.Printf("  status:    %s\n", sess.Status)
	fmt.Printf("  step:      %d (attempt %d)\n", sess.CurrentStep, sess.Attempt)
	fmt.Printf("  started:   %s\n", sess.StartedAt.Format(time.RFC3339))
	if sess.Explanation != "" {
		fmt.Printf("  note:      %s\n", sess.Explanation)
	}
	return nil
}
