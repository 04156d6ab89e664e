package main

import "github.com/griddy/build-tools/cmd"

func main() {
	cmd.Execute()
}
