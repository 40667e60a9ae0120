package main

import "github.com/kiesman99/mosaic/cmd"

func main() {
	cmd.Execute()
}
