// Command dapper is the launcher binary for the dapper debug adapter:
// "dapper adapter" speaks DAP over stdio to an IDE client, and
// "dapper engine" is the subcommand the adapter re-execs itself as
// (dap/lifecycle.go's spawnEngine) to host a toyengine.Engine on the
// far end of the engine transport.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// exitCodeErr carries one of the launcher's exit codes through to main
// without forcing every subcommand to call os.Exit itself, matching how
// cobrautil.ExitCodeError is threaded through docker-buildx's
// cmd/buildx/main.go.
type exitCodeErr int

func (e exitCodeErr) Error() string { return fmt.Sprintf("dapper: exit %d", int(e)) }

func main() {
	root := newRootCmd()
	err := root.Execute()
	if err == nil {
		return
	}

	var code exitCodeErr
	if errors.As(err, &code) {
		if code != 0 {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(int(code))
	}

	logrus.WithError(err).Error("dapper: fatal")
	os.Exit(int(exitConfiguration))
}

const (
	exitClean         exitCodeErr = 0
	exitClientGone    exitCodeErr = 1
	exitTransport     exitCodeErr = 2
	exitEngineCrash   exitCodeErr = 3
	exitConfiguration exitCodeErr = 4
)
