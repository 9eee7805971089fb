package main

import (
	"context"
	"os"

	dapcore "github.com/dapper-dbg/dapper/dap"
	"github.com/dapper-dbg/dapper/toyengine"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newAdapterCmd is the IDE-facing entry point: it speaks DAP over
// stdio, the client-facing transport an IDE treats as an external
// collaborator, and hands parsed requests to a dap.Session. This
// mirrors docker-buildx's "buildx dap build" (commands/dap.go): a
// thin cobra command that wires a dap.Conn over stdio to an Adapter
// and lets the protocol drive everything else.
func newAdapterCmd() *cobra.Command {
	var (
		inProcess bool
		program   string
		module    string
	)

	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Speak DAP over stdio (spawned by an IDE)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := dapcore.Configuration{
				InProcess: inProcess,
				Program:   program,
				Module:    module,
				SessionID: uuid.NewString(),
			}
			if inProcess {
				cfg.InProcessFactory = func() dapcore.InProcessEngine {
					eng, err := toyengine.Load(program, false)
					if err != nil {
						// The factory has no error return: the in-process path
						// assumes a preflighted program, so fall back to an
						// empty program and let launch report a clean engine
						// error instead of a panic.
						eng = toyengine.New(nil, toyengine.Config{Path: program})
					}
					return eng
				}
			}

			srv, _ := dapcore.NewSessionServer(cfg)
			conn := dapcore.NewConn(os.Stdin, os.Stdout)
			defer conn.Close()

			err := srv.Serve(context.Background(), conn)
			if err != nil {
				return exitTransport
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&inProcess, "in-process", false, "host the engine in this process instead of spawning a subprocess")
	cmd.Flags().StringVar(&program, "program", "", "path to the target script")
	cmd.Flags().StringVar(&module, "module", "", "dotted module name of the target")
	return cmd
}
