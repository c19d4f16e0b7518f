package main

import (
	"lexipresse/cmd/cmd"
	"lexipresse/internal/logger"
)

func main() {
	logger.Init() // Initialize the logger
	cmd.Execute()
}
