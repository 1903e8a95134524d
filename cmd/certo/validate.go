package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/certo/pkg/procedure"
)

var validateCmd = &cobra.Command{
	Use:   "validate [procedure.yaml...]",
	Short: "Validate procedure YAML files against the schema",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		proc, errs := procedure.ValidateFile(path)
		if len(errs) > 0 {
			failed++
			fmt.Fprintf(os.Stderr, "%s %s: %d error(s)\n", failStyle.Render(glyphFailed), path, len(errs))
			for i, e := range errs {
				fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
				if e.Path != "" {
					fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
				}
			}
			continue
		}
		fmt.Printf("%s %s: %s is valid (%d steps)\n",
			passStyle.Render(glyphPassed), path, proc.Meta.ID, len(proc.Steps))
	}
	if failed > 0 {
		return fmt.Errorf("validation failed for %d file(s)", failed)
	}
	return nil
}
