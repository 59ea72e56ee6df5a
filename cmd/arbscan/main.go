package main

import "arb-scanner/internal/cli"

func main() {
	cli.Execute()
}
