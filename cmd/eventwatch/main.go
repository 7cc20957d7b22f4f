package main

import (
	"os"

	"github.com/eventwatch/eventwatch/cmd/eventwatch/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
