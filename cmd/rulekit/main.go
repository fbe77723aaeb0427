// Command rulekit compiles assistant rule documents into per-tool
// artifacts.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rulekit/rulekit/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Commands print their own error output; anything else (flag
		// errors, format errors) has not been shown yet.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
