package main

import "github.com/logbus-protocol/logbus/cli"

func main() {
	cli.Execute()
}
