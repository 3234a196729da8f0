package main

import (
	"log"
	"os"

	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/app"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/config"
)

func main() {
	realMain()
}

func realMain() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalln("failed to load config: ", err)
	}

	// the tile configuration path may be given as the only argument
	if len(os.Args) > 1 && os.Args[1] != "" {
		cfg.TMS.ConfigPath = os.Args[1]
	}

	app.Run(cfg)
}
