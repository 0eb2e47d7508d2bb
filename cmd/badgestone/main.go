// Command badgestone awards community badges by evaluating declarative YAML
// rules against bus messages.
package main

import (
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
