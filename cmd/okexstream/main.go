package main

import (
	"github.com/c9s/okexstream/pkg/cmd"
)

func main() {
	cmd.Execute()
}
