package main

import (
	"github.com/armadaproject/hither/cmd/hither/cmd"
)

func main() {
	cmd.Execute()
}
