package main

import "github.com/chukul/cloudchat/cmd"

func main() {
	cmd.Execute()
}
