package main

import "github.com/clocksmith/reploid/cmd"

func main() {
	cmd.Execute()
}
