package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "brevedu",
	Short: "BrevEdu - AI practice session backend",
	Long: `BrevEdu is the backend for AI-powered practice conversations.

It manages practice sessions against the Tavus conversational video API,
with offline queueing and automatic retry for flaky connectivity.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
