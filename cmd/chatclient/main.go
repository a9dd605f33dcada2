package main

import "github.com/chilledoj/portalchat/internal/cmd"

func main() {
	cmd.Execute()
}
