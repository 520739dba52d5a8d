package main

import "task-service/cli"

func main() {
	cli.Execute()
}
