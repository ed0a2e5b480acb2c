package main

import "github.com/D-Astudillo-ASC/collaborative-editor/cli"

func main() {
	cli.Execute()
}
