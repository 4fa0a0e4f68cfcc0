// Command helpbudy runs the HelpBudy patient agent: a long-lived process
// holding the session, the realtime and chat sockets and the location
// tracker, driven through a local HTTP API or one-shot subcommands.
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "helpbudy:", err)
		os.Exit(1)
	}
}
