package main

import (
	"github.com/overmindtech/mbsetup/cmd"
)

func main() {
	cmd.Execute()
}
