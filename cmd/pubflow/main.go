// Command pubflow runs the publishing daemon and its operator commands.
package main

import (
	"os"

	"pubflow/cmd/pubflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
