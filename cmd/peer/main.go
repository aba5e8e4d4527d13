// Command meshpeer joins a mesh room from the terminal, negotiating a direct
// WebRTC link with every other participant.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, err.Error())
		os.Exit(1)
	}
}
