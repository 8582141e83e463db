package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"l4kern-go/arch"
	"l4kern-go/config"
	"l4kern-go/hooks"
	"l4kern-go/kernel"
	"l4kern-go/logging"
)

var runCmd = &cobra.Command{
	Use:   "run <image.json>",
	Short: "Boot a kernel and replay its events",
	Long: `Boot a kernel from a boot image and replay the image's event list
over a simulated architecture port. The final kernel state is printed as
JSON with --state; --console streams the kernel's diagnostic byte channel
to the terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runTicks   int64
	runState   bool
	runConsole bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int64Var(&runTicks, "ticks", 100_000, "virtual ticks to run for")
	runCmd.Flags().BoolVar(&runState, "state", false, "print the final kernel state as JSON")
	runCmd.Flags().BoolVar(&runConsole, "console", false, "stream the diagnostic channel to the terminal")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := GetContext()

	img, err := config.LoadImage(args[0])
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	if err := img.Validate(); err != nil {
		return fmt.Errorf("validate image: %w", err)
	}

	simCfg := arch.SimConfig{
		RAMBase: img.RAM.Base,
		RAMSize: img.RAM.Size,
		NumIRQs: img.NumIRQs,
	}
	if runConsole {
		fd := int(os.Stdout.Fd())
		if term.IsTerminal(fd) {
			if w, h, err := term.GetSize(fd); err == nil {
				logging.DebugContext(ctx, "console attached", "cols", w, "rows", h)
			}
		}
		simCfg.Diag = os.Stdout
	}
	port := arch.NewSimPort(simCfg)

	k, err := kernel.New(img, port)
	if err != nil {
		return fmt.Errorf("boot kernel: %w", err)
	}
	logging.InfoContext(ctx, "kernel booted", "image", img.Name, "threads", len(img.Threads))

	state, _ := k.MarshalState()
	if err := hooks.Run(img.Hooks, hooks.Boot, state); err != nil {
		return fmt.Errorf("boot hooks: %w", err)
	}

	if err := hooks.Run(img.Hooks, hooks.Poststart, state); err != nil {
		return fmt.Errorf("poststart hooks: %w", err)
	}

	applied := k.Run(runTicks)
	logging.InfoContext(ctx, "run complete", "events", applied, "now", k.Now())

	if bad := k.CheckInvariants(); len(bad) != 0 {
		for _, b := range bad {
			logging.ErrorContext(ctx, "invariant violated", "detail", b)
		}
	}

	state, err = k.MarshalState()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := hooks.Run(img.Hooks, hooks.Halt, state); err != nil {
		return fmt.Errorf("halt hooks: %w", err)
	}

	if runState {
		fmt.Println(string(state))
	}

	if halted, reason := k.Halted(); halted {
		return fmt.Errorf("kernel halted: %s", reason)
	}
	return nil
}
