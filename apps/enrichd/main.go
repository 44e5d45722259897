package main

import "github.com/connectica/enrichd/internal/cli"

func main() {
	cli.Execute()
}
