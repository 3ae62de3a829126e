package main

import "bundlegate/internal/cli"

func main() {
	cli.Execute()
}
