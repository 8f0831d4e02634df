package main

import "carechat/cmd/chatctl/cmd"

func main() {
	cmd.Execute()
}
