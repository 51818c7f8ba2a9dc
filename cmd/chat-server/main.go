package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/gissleh/chat"
)

func main() {
	log := logrus.New()

	token, err := chat.GenerateToken()
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	if err := chat.WriteTokenFile(chat.TokenFileName, token); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	log.Infof("Check the %s file for the token", chat.TokenFileName)

	server := chat.NewServer(chat.Config{Logger: log}, token)

	if err := server.ListenAndServe(context.Background()); err != nil {
		log.Errorf("Server failed: %v", err)
		os.Exit(1)
	}
}
