package main

import (
	"github.com/cpauline9999-sketch/Ff5/cmd"
)

func main() {
	cmd.Execute()
}
