// The main package for the apply-orchestrator executable.
package main

import (
	"github.com/JakeFAU/apply-orchestrator/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
