package main

import (
	"fmt"
	"os"
)

func main() {
	// A bare "?" is accepted as a help request for compatibility with
	// the original CLI surface.
	for _, a := range os.Args[1:] {
		if a == "?" {
			os.Args = []string{os.Args[0], "--help"}
			break
		}
	}
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mash:", err)
		os.Exit(1)
	}
}
