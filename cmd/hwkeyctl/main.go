package main

import "github.com/kfarnham/hwkey-bridge/internal/cli"

func main() {
	cli.Execute()
}
