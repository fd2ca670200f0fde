/*
CLI for sending and receiving DGR messages
*/
package main

import (
	"github.com/damao33/dgr-go/cmd/dgrcat/commands"
)

func main() {
	commands.Execute()
}
