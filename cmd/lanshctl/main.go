// Command lanshctl is a CLI client for the standalone Rendezvous Server
// (§4.H), mirroring this codebase's own ctl-binary-plus-commands-package
// layout.
package main

import "github.com/lanshare/lanshared/cmd/lanshctl/commands"

func main() {
	commands.Execute()
}
