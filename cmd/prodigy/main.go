package main

import (
	"fmt"
	"os"

	"github.com/hugo-lorenzo-mato/quorum-ai/cmd/prodigy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
