package main

import "spotwatt/internal/cli"

func main() {
	cli.Execute()
}
