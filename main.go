package main

import "github.com/agentic-research/affilink/cmd"

func main() {
	cmd.Execute()
}
