package main

import "github.com/nadmax/taskforge/internal/cli"

func main() {
	cli.Execute(cli.NewWorkerCommand())
}
