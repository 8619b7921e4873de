package main

import "cardpricer/internal/cli"

func main() {
	cli.Execute()
}
