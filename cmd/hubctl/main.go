package main

import "clusterhub/cmd/hubctl/command"

func main() {
	command.Execute()
}
