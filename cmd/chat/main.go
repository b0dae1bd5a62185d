package main

import (
	"os"

	"github.com/rumeysa111/real-time-chat-room/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
