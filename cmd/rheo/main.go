// Command rheo runs a mesh cell, or talks to one, depending on subcommand.
package main

import "rheo/cmd/rheo/cmd"

func main() {
	cmd.Execute()
}
