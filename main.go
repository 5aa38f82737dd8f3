// The main package for the doccapture executable.
package main

import (
	"github.com/JakeFAU/gated-doc-capture/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
