package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rendis/runway/internal/cli"
	"github.com/rendis/runway/pkg/schema"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cli.SetVersion(Version)
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy to process exit codes: user-fixable
// failures exit 1, unexpected faults exit 2.
func exitCode(err error) int {
	var rwErr *schema.RunwayError
	if errors.As(err, &rwErr) && rwErr.IsUserError() {
		return 1
	}
	return 2
}
