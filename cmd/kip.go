package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"l4kern-go/arch"
	"l4kern-go/config"
	"l4kern-go/kernel"
)

var kipCmd = &cobra.Command{
	Use:   "kip [image.json]",
	Short: "Print the kernel info page",
	Long:  `Boot a kernel (from the given image, or the default) and print its kernel info page as JSON.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKIP,
}

func init() {
	rootCmd.AddCommand(kipCmd)
}

func runKIP(cmd *cobra.Command, args []string) error {
	img := config.DefaultImage()
	if len(args) == 1 {
		loaded, err := config.LoadImage(args[0])
		if err != nil {
			return fmt.Errorf("load image: %w", err)
		}
		img = loaded
	}

	port := arch.NewSimPort(arch.SimConfig{
		RAMBase: img.RAM.Base,
		RAMSize: img.RAM.Size,
		NumIRQs: img.NumIRQs,
	})
	k, err := kernel.New(img, port)
	if err != nil {
		return fmt.Errorf("boot kernel: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(k.KIPInfo())
}
