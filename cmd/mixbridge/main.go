package main

import (
	"fmt"
	"os"

	"github.com/lsm/mixbridge/internal/cli"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `mixbridge - Mixpanel export to Kafka connector

Usage:
  mixbridge [run] [-log-level LEVEL]   Run the connector (default)
  mixbridge validate [path]            Validate a connector definition
  mixbridge checkpoint [-set DATE] [path]
                                       Show or set the committed position
  mixbridge doctor [path]              Check environment health
  mixbridge version                    Print the build version

The definition path defaults to $MIXBRIDGE_CONFIG or /etc/mixbridge/connector.yaml.`

func main() {
	if err := dispatch(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(args []string) error {
	if len(args) == 0 {
		return run(nil)
	}

	switch args[0] {
	case "run":
		return run(args[1:])
	case "validate":
		return cli.RunValidate(args[1:])
	case "checkpoint":
		return cli.RunCheckpoint(args[1:])
	case "doctor":
		return cli.RunDoctor(args[1:])
	case "version", "--version":
		fmt.Println(serviceName, version)
		return nil
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		if len(args[0]) > 0 && args[0][0] == '-' {
			return run(args)
		}
		return fmt.Errorf("unknown command %q\nRun 'mixbridge help' for usage", args[0])
	}
}
