package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"l4kern-go/config"
)

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Generate a default boot image",
	Long:  `Generate a default boot image description (JSON) to stdout.`,
	Args:  cobra.NoArgs,
	RunE:  runSpec,
}

func init() {
	rootCmd.AddCommand(specCmd)
}

func runSpec(cmd *cobra.Command, args []string) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(config.DefaultImage())
}
