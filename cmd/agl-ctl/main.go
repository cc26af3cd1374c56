package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/agrolink-io/agrolink/cmd/agl-ctl/app"
)

func main() {
	if err := app.NewCtlCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}
