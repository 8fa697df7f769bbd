package main

import "github.com/haulio/haul/cmd"

func main() {
	cmd.Execute()
}
