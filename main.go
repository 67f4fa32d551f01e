// The main package for the linewatch executable.
package main

import (
	"github.com/JakeFAU/linewatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
