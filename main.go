package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/inlogic/gateway/command"
	"github.com/inlogic/gateway/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run dispatches to the named subcommand.
func Run(args []string) int {
	c := cli.NewCLI("inlogic-gateway", version.GetVersion().VersionNumber())
	c.Args = args
	c.Commands = command.Commands(nil)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}
	return exitCode
}
