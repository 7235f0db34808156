package main

import "github.com/eggbot/eggbot/cmd"

func main() {
	cmd.Execute()
}
