package main

import (
	"os"

	"github.com/adalundhe/ppec/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
