package main

import (
	"fmt"
	"os"

	"github.com/cozyapp/cozylink/internal/cli"
	"github.com/cozyapp/cozylink/internal/version"
)

func main() {
	cli.Version = version.Version
	cli.BuildTime = version.BuildTime

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
