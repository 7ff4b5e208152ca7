package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "portal",
	Short: "Gift-card voucher upload portal",
	Long: `Portal accepts voucher stock uploads, runs the uploader worker for each
one, and streams its progress to the browser. Operators can pause, resume or
stop a running upload and download its result files.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("portal version {{.Version}}\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
