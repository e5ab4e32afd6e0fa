package main

import (
	"coderoom/internal/logger"
	"coderoom/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log := logger.For("main")
		log.Fatal().Err(err).Msg("server exited")
	}
}
