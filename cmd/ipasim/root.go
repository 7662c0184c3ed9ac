package main

import (
	"os"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/shibukawa/configdir"
	"github.com/spf13/cobra"
)

var (
	// Verbose enables debug-level logging.
	Verbose bool
	// WrapperDir is the directory that absolute guest paths (resolved to
	// gen/...) are looked up under; defaults to this OS's per-user config
	// data directory. Relative paths, including the gen/<name>.wrapper.dll
	// paths the translator computes, are not rooted under it.
	WrapperDir string
)

var rootCmd = &cobra.Command{
	Use:   "ipasim",
	Short: "Run ARM32 iOS dylibs under emulation, backed by host framework wrappers",
}

// Execute adds all child commands to rootCmd and runs it. Called once from main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("ipasim failed")
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihandler.Default)

	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&WrapperDir, "wrapper-dir", "", "directory holding generated wrapper DLLs (default: per-user config dir)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)

	cobra.OnInitialize(func() {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}
		if WrapperDir == "" {
			dirs := configdir.New("ipasim", "ipasim")
			folder := dirs.QueryFolderContainsFile("gen")
			if folder == nil {
				folder = dirs.QueryFolders(configdir.Global)[0]
			}
			WrapperDir = folder.Path
		}
	})
}
