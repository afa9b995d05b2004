package main

import (
	"github.com/RIDCorix/Amazcope-sub000/internal/cli"
)

func main() {
	cli.Execute()
}
