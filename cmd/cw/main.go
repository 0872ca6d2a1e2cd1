// Command cw runs the clockwork controller against in-memory storage shards
// and inspects what it recorded.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("cw: %v", err))
		os.Exit(1)
	}
}
