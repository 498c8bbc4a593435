package main

import (
	"os"
	"path/filepath"
)

// botherdHome returns the path to the botherd home directory (~/.botherd).
func botherdHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".botherd"), nil
}

func defaultSocketPath() string {
	home, err := botherdHome()
	if err != nil {
		return "/tmp/botherd.sock"
	}
	return filepath.Join(home, "botherd.sock")
}
