package main

import (
	"os"

	"github.com/luhtfiimanal/go-serial-transport/cmd/serialcat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
