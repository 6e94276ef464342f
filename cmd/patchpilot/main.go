package main

import "patchpilot/internal/cli"

func main() {
	cli.Execute()
}
