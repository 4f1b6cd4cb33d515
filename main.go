//go:build linux

package main

import "spawnkit/cmd"

func main() {
	cmd.Execute()
}
