package main

import "github.com/encodeous/meshsec/cmd"

func main() {
	cmd.Execute()
}
