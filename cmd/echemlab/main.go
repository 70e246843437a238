package main

import "github.com/jt05610/echemlab/cmd/echemlab/cmd"

func main() {
	cmd.Execute()
}
