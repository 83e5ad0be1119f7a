package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"voicecall-server-go/internal/bootstrap"
)

var (
	configPath = flag.String("c", "", "the config path, defaults to .config.yaml")
	noDotEnv   = flag.Bool("no-dotenv", false, "skip loading .env")
)

func main() {
	flag.Parse()
	fmt.Printf("[%s] [INFO] [引导] 开始启动 voicecall-server...\n", time.Now().Format("2006-01-02 15:04:05.000"))
	err := bootstrap.Run(context.Background(), bootstrap.Options{
		ConfigPath:    *configPath,
		DisableDotEnv: *noDotEnv,
	})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "voicecall-server failed: %v\n", err)
		os.Exit(1)
	}
}
