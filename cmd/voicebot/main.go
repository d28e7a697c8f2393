// voicebot answers programming questions by voice or text, from the
// terminal or a browser.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
