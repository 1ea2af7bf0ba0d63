package main

import (
	"github.com/rosslagerwall/xsplice-build/cmd"
)

func main() {
	cmd.Execute()
}
