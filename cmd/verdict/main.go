// Command verdict serves the decision engine over MCP and checks workflow
// documents from the command line.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "check":
		err = runCheck(args)
	case "install":
		err = runInstall(args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}

	if errors.Is(err, errCheckFailed) {
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdict: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: verdict <command> [flags]

commands:
  serve     run the MCP server on stdio (default)
  check     validate workflow documents and optionally render them
  install   write ~/.verdict/settings.json and reload a running server
  version   print the version
`)
}
