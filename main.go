package main

import (
	"os"

	"github.com/emirks/applications-of-llms-in-recruitment/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
