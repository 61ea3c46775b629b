// Command storagectl queries a running storaged's admin HTTP surface.
package main

import "github.com/javi11/streamstore/cmd/storagectl/cmd"

func main() {
	cmd.Execute()
}
