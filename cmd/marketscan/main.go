package main

import "github.com/openconservation/marketscan/cmd"

func main() {
	cmd.Execute()
}
