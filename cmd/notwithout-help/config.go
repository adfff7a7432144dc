package main

import (
	"fmt"
	"os"

	"github.com/justlark/notwithout.help/internal/config"
)

func loadConfig(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return config.Load(data)
}
