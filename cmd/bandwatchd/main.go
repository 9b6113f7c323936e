// bandwatchd stores firewall traffic telemetry, rolls it up and evaluates
// alert rules against it.
package main

import (
	"os"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
