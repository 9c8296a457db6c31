// Command meshkv runs a single mesh node with an interactive REPL over
// stdin: set/get/delete/list/status/quit.
package main

import "github.com/meshdb/meshkv/cmd/meshkv/cmd"

func main() {
	cmd.Execute()
}
