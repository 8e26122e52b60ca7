package main

import "relayctl/cmd"

func main() {
	cmd.Execute()
}
