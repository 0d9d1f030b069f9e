package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version is stamped at build time with -ldflags "-X promptrelay/cmd.Version=...".
var Version = "dev"

const usage = `promptrelay streams chat completions from Azure OpenAI and AWS Bedrock.

Usage:
  promptrelay <command> [flags]

Commands:
  serve      Start the HTTP server
  version    Print the build version

Serve flags:
  --config     Path to YAML configuration file (environment only when omitted)
  --env-file   Dotenv file loaded before configuration (default ".env")
  --port       Override server port from configuration
  --log-level  debug, info, warn or error (default "info")

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage(os.Stdout)
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "version", "--version":
		return printVersion(os.Stdout)
	case "help", "-h", "--help":
		return printUsage(os.Stdout)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage(w io.Writer) error {
	_, err := fmt.Fprintln(w, strings.TrimSpace(usage))
	return err
}

func printVersion(w io.Writer) error {
	_, err := fmt.Fprintf(w, "promptrelay %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}
