package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "workflowctl",
		Short: "Resumable workflow runner",
		Long:  "workflowctl creates, processes and resumes workflow runs stored in a database.",
		// 命令本身的错误已经打印过了
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (yaml), RWF_* env vars override it")

	rootCmd.AddCommand(newRunCommand(&configPath))
	rootCmd.AddCommand(newResumeCommand(&configPath))
	rootCmd.AddCommand(newStatusCommand(&configPath))
	rootCmd.AddCommand(newListCommand(&configPath))
	rootCmd.AddCommand(newDefinitionsCommand(&configPath))
	rootCmd.AddCommand(newBatchCommand(&configPath))
	rootCmd.AddCommand(newWorkerCommand(&configPath))
	return rootCmd
}
