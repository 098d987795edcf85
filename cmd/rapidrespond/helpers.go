package main

import (
	"fmt"
	"os"

	rapidrespond "github.com/rapidrespond/rapidrespond-go"
)

// getClient creates a RapidRespond client from the stored configuration.
func getClient() *rapidrespond.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []rapidrespond.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, rapidrespond.WithBaseURL(cfg.Default.BaseURL))
	}
	return rapidrespond.NewClient(opts...)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
