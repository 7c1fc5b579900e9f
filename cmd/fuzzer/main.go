package main

import (
	"fmt"
	"os"

	"github.com/how2fps/fuzzer/cmd/fuzzer/app"
)

func main() {
	if err := app.NewFuzzerCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
