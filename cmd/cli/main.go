// Package main is the entry point for the duck-async CLI binary.
package main

import (
	"os"

	cli "duck-async/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
