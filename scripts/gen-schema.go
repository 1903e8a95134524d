//go:build ignore

package main

import (
	"fmt"
	"os"

	"github.com/ormasoftchile/certo/pkg/procedure"
)

func main() {
	data, err := procedure.GenerateJSONSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile("schemas/procedure-v1.json", data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("wrote schemas/procedure-v1.json")
}
