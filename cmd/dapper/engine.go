package main

import (
	"context"

	dapcore "github.com/dapper-dbg/dapper/dap"
	"github.com/dapper-dbg/dapper/toyengine"
	"github.com/spf13/cobra"
)

// newEngineCmd is the launcher subcommand dap/lifecycle.go's spawnEngine
// re-execs the dapper binary as, with exactly these flags, to host the
// toy interpreter on the far end of the engine transport.
func newEngineCmd() *cobra.Command {
	var (
		transport                   string
		endpoint                    string
		program                     string
		module                      string
		stopOnEntry                 bool
		justMyCode                  bool
		subprocessAutoAttach        bool
		strictExpressionWatchPolicy bool
		sessionID                   string
	)

	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Host the target program and speak engine IPC back to a dapper adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = justMyCode                  // forwarded to the engine via program argv in a real backend
			_ = subprocessAutoAttach        // consulted by the core, not the engine, once connected
			_ = strictExpressionWatchPolicy // enforced core-side by the Breakpoint Store
			_ = sessionID

			target := program
			if target == "" {
				target = module
			}
			if target == "" {
				return exitConfiguration
			}

			eng, err := toyengine.Load(target, stopOnEntry)
			if err != nil {
				return exitEngineCrash
			}

			conn, err := dapcore.Dial(dapcore.TransportKind(transport), endpoint)
			if err != nil {
				return exitTransport
			}
			defer conn.Close()

			srv := toyengine.NewServer(conn, eng)
			if err := srv.Serve(context.Background()); err != nil {
				return exitTransport
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "unix", "unix, pipe, or tcp")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "listener address to dial back into")
	cmd.Flags().StringVar(&program, "program", "", "path to the target script")
	cmd.Flags().StringVar(&module, "module", "", "dotted module name of the target")
	cmd.Flags().BoolVar(&stopOnEntry, "stop-on-entry", false, "")
	cmd.Flags().BoolVar(&justMyCode, "just-my-code", false, "")
	cmd.Flags().BoolVar(&subprocessAutoAttach, "subprocess-auto-attach", false, "")
	cmd.Flags().BoolVar(&strictExpressionWatchPolicy, "strict-expression-watch-policy", false, "")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "")
	return cmd
}
