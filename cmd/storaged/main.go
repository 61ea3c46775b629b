// Command storaged runs the bytestream storage broker daemon.
package main

import "github.com/javi11/streamstore/cmd/storaged/cmd"

func main() {
	cmd.Execute()
}
