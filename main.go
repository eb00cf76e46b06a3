package main

import "github.com/BioHazard786/directdrop/cmd"

func main() {
	cmd.Execute()
}
