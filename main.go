package main

import (
	"os"

	"github.com/conneroisu/elm-watch-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
