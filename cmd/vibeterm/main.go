package main

import "github.com/coder1/vibeterm/internal/cmd"

func main() {
	cmd.Execute()
}
