/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "msgrelay",
	Short: "Relay messaging conversations to an agent-run service",
	Long: `msgrelay receives messaging platform events, keeps one ordered queue per
conversation, and forwards user turns to an AG-UI agent endpoint. Assistant
replies stream back to the user with typing indicators while the agent works.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
