package main

import "github.com/atikulmunna/mcpmon/internal/cmd"

func main() {
	cmd.Execute()
}
