// The main package for the waterbot executable.
package main

import (
	"github.com/aquawatch/waterbot/cmd"
)

func main() {
	cmd.Execute()
}
