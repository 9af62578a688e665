// The main package for the webmirror executable.
package main

import (
	"github.com/JakeFAU/webmirror/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
