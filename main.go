package main

import "github.com/mhuot/visioniqd/cmd"

func main() {
	cmd.Execute()
}
