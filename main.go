// l4kern-go is an L4-family microkernel core with a simulator harness.
//
// The kernel proper lives in the kernel, object, and memory packages; the
// binary boots it from a JSON boot image over a simulated architecture
// port.
//
// Commands:
//
//	run     - Boot a kernel from an image and replay its events
//	spec    - Generate a default boot image
//	kip     - Print the kernel info page
//	version - Print version information
package main

import (
	"fmt"
	"os"

	"l4kern-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
