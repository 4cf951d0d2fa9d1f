package main

import "github.com/tgchat/apiserver/cmd"

func main() {
	cmd.Execute()
}
