package main

import "github.com/tamias-dev/tamias/cmd"

func main() {
	cmd.Execute()
}
