package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/agrolink-io/agrolink/cmd/agl-syncd/app"
)

func main() {
	app.NewApp().Run()
}
