// Command evercentctl operates the automation from a terminal: lock and
// execute due runs, inspect a user's upcoming run, manage users and run the
// authorization flows.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
