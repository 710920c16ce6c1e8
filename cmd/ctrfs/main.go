package main

import "github.com/connesc/ctrfs/internal/cmd"

func main() {
	cmd.Execute()
}
