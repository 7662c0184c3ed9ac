package main

import (
	"github.com/apex/log"
	"github.com/ipasim-go/ipasim/ipasimctx"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <dylib>",
	Short: "Load an ARM32 Mach-O dylib and run it from its entry point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := ipasimctx.New(WrapperDir)
		if err != nil {
			return err
		}
		log.WithField("dylib", args[0]).Info("starting")
		return ctx.Run(args[0])
	},
}
