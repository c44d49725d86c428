package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "voxlog",
	Short: "voxlog records chunked audio and uploads it reliably",
	Long: `voxlog records audio from the system capture source into fixed-duration
segments, keeps every segment in a local store until its upload is
confirmed, and uploads each one to remote storage via presigned URLs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(segmentsCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(retryAllCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(wipeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
