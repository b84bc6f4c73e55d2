package main

import "whale-watcher/internal/cli"

func main() {
	cli.Execute()
}
