package main

import "github.com/quillforge/restyle/cmd"

func main() {
	cmd.Execute()
}
