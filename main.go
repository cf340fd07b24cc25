package main

import "github.com/quarkdb/quarkdb/cmd"

func main() {
	cmd.Execute()
}
