// The main package for the market-crawler executable.
package main

import (
	"github.com/JakeFAU/market-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
