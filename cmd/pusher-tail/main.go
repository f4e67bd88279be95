package main

import "github.com/lumastream/pusher-go/cmd/pusher-tail/commands"

func main() {
	commands.Execute()
}
