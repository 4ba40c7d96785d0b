package main

import (
	"labmigrate/cmd/labmigrate/commands"
	"labmigrate/lib/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
