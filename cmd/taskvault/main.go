package main

import (
	"fmt"
	"os"

	"github.com/taskvault/taskvault/cmd/taskvault/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
