package main

import (
	"flag"
	"os"

	"github.com/louisbranch/gamehall/internal/platform/config"
	"github.com/louisbranch/gamehall/internal/tools/handoffkey"
)

func main() {
	cfg, err := handoffkey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := handoffkey.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate key: %v", err)
	}
}
