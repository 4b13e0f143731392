// Command opsctl prepares and supervises the Ops Copilot stack.
package main

import "github.com/fishballnoodle/Ops-Copilot/cmd/opsctl/cmd"

func main() {
	cmd.Execute()
}
