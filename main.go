package main

import (
	"os"

	"github.com/AlfredBerg/joe-harvester/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
