package main

import (
	"os"

	"github.com/nhle/tutornotify/internal/credential"
)

func main() {
	root := newRootCmd(&cli{openVault: credential.Open})
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
