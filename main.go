package main

import "github.com/driftbyte/medley/cmd"

func main() {
	cmd.Execute()
}
