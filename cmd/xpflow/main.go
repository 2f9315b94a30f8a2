package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var cfgPath string
	rootCmd := &cobra.Command{
		Use:           "xpflow",
		Short:         "xpflow - reward ingestion for CRM, telephony and sales sheets",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "configs/xpflow.yaml", "path to YAML config")

	rootCmd.AddCommand(serveCmd(&cfgPath))
	rootCmd.AddCommand(importCmd(&cfgPath))
	rootCmd.AddCommand(reconcileCmd(&cfgPath))
	rootCmd.AddCommand(deadLettersCmd(&cfgPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
