package main

import (
	"github.com/dapper-dbg/dapper/util/logutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// noisyDebugLines are reader-loop-exit and teardown messages that fire
// on every ordinary disconnect, not just abnormal ones; at
// --log-level=debug they'd
// drown out the one debug line that actually means something.
var noisyDebugLines = []string{
	"engine reader loop exited",
	"self-test engine reader loop exited",
	"grace period expired, delivering best-effort",
}

func newRootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           "dapper",
		Short:         "Debug Adapter Protocol core for the toy interpreted language",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return exitConfiguration
			}
			logrus.SetLevel(lvl)
			logrus.AddHook(logutil.NewFilter(noisyDebugLines...))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(newAdapterCmd())
	cmd.AddCommand(newEngineCmd())
	return cmd
}
