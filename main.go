package main

import "github.com/shapeopt/shapeopt/cmd"

func main() {
	cmd.Execute()
}
