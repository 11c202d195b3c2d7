package main

import (
	"fmt"
	"os"

	"github.com/pythonspeed/memtrail/cmd/memtrail/commands"
)

func main() {

	err := commands.Execute()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
