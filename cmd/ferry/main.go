package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/logger"

	// Link every object store backend
	_ "github.com/ajitpratap0/ferry/pkg/objectstore/backends"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	os.Exit(run(newApp(os.Stdout), os.Args[1:], os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(a *app, args []string, stderr io.Writer) int {
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(a.out)
	root.SetErr(stderr)

	err := root.Execute()
	if terr := a.stopTracing(err); terr != nil {
		fmt.Fprintf(stderr, "ferry: trace file not written: %v\n", terr)
	}
	_ = logger.Sync()
	if err != nil {
		fmt.Fprint(stderr, diagnostic(err))
		return 1
	}
	return 0
}

// diagnostic renders err for a human: the failing boundary, the message and
// the identifying details in a stable order.
func diagnostic(err error) string {
	var e *errors.Error
	if !errors.As(err, &e) {
		return "ferry: " + err.Error() + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ferry: %s\n", e.Error())
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		if k == "payload" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %v\n", k, e.Details[k])
	}
	if errors.IsRetryable(err) {
		b.WriteString("  the failure looks transient; re-running the command may succeed\n")
	}
	return b.String()
}
