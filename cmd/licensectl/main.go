// Command licensectl queries a running licensed daemon and issues license
// tokens for the file authority.
//
//	licensectl [-addr URL] status [host]
//	licensectl [-addr URL] check <host>
//	licensectl [-addr URL] [-token T] refresh
//	licensectl [-addr URL] diagnostics
//	licensectl issue -id LIC -domains a.com,*.b.com [-features f1,f2] [-ttl 720h] (-hmac-secret S | -ed25519-key key.pem)
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
)

const usage = `usage: licensectl [flags] <command> [args]

commands:
  status [host]   enforcement status for host (default: the daemon's primary host)
  check <host>    decision the daemon makes for host
  refresh         run a verification attempt now (needs -token)
  diagnostics     plain-text support summary
  issue           sign a license token (see licensectl issue -h)

flags:
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("licensectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOr("LICENSECTL_ADDR", "http://localhost:8080"), "licensed base URL")
	token := fs.String("token", os.Getenv("LICENSECTL_TOKEN"), "admin token for refresh")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	noColor := fs.Bool("no-color", false, "disable coloured output")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *noColor {
		color.NoColor = true
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := NewClient(*addr, *token)
	out := &printer{w: stdout}

	var err error
	switch cmd, params := rest[0], rest[1:]; cmd {
	case "status":
		host := ""
		if len(params) > 0 {
			host = params[0]
		}
		err = cmdStatus(ctx, client, out, host)
	case "check":
		if len(params) != 1 {
			fmt.Fprintln(stderr, "usage: licensectl check <host>")
			return 2
		}
		var refused bool
		refused, err = cmdCheck(ctx, client, out, params[0])
		if err == nil && refused {
			return 3
		}
	case "refresh":
		err = cmdRefresh(ctx, client, out)
	case "diagnostics":
		err = cmdDiagnostics(ctx, client, stdout)
	case "issue":
		err = cmdIssue(params, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	if err != nil {
		color.New(color.FgRed).Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
