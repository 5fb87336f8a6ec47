// The main package for the governor executable.
package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/YallaPapi/pubscrape-sub005/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
