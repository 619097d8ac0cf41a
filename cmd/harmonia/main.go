package main

import (
	"github.com/harmonia-media/harmonia/cmd/harmonia/cmd"
)

func main() {
	cmd.Execute()
}
