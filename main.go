package main

import "github.com/martin-wey/code-context-agent/cmd"

func main() {
	cmd.Execute()
}
