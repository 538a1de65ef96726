package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
