package main

import "github.com/owdub1/cleaninbox-sub002/internal/cli"

func main() {
	cli.Execute()
}
