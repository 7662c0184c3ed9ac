package main

import (
	"fmt"

	"github.com/ipasim-go/ipasim/ipasimctx"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <dylib>",
	Short: "Load a dylib without running it and print its layout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := ipasimctx.New(WrapperDir)
		if err != nil {
			return err
		}
		lib, err := ctx.Loader.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("path:     %s\n", lib.Path())
		fmt.Printf("start:    0x%x\n", lib.StartAddress())
		fmt.Printf("size:     0x%x\n", lib.Size())
		fmt.Printf("wrapper:  %v\n", lib.IsWrapperDLL())
		return nil
	},
}
