package main

import "github.com/jmcleod/chatguard/cmd/chatguard/cmd"

func main() {
	cmd.Execute()
}
