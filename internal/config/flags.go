package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/chanderlud/giga-grabber/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-w int              maximum parallel transfer workers
//	-b int              concurrency weight budget
//	-r int              retry attempts per transfer
//	-t int              request timeout in seconds
//	-min-delay int      minimum retry delay in seconds
//	-max-delay int      maximum retry delay in seconds
//	-proxy-mode string  proxy selection mode: none, single or random
//	-proxies string     comma-separated proxy URLs
//	-o string           download directory
//	-db string          resume-state database path
//	-keep-partial       keep .partial files when a transfer is cancelled
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-w", "-b", "-r", "-t", "-min-delay", "-max-delay",
		"-proxy-mode", "-proxies", "-o", "-db", "-keep-partial",
	})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.IntVar(&cfg.MaxWorkers, "w", cfg.MaxWorkers, "maximum parallel transfer workers")
	fs.IntVar(&cfg.ConcurrencyBudget, "b", cfg.ConcurrencyBudget, "concurrency weight budget")
	fs.IntVar(&cfg.MaxRetries, "r", cfg.MaxRetries, "retry attempts per transfer")
	timeout := fs.Int("t", int(cfg.Timeout.Seconds()), "request timeout (in seconds)")
	minDelay := fs.Int("min-delay", int(cfg.MinRetryDelay.Seconds()), "minimum retry delay (in seconds)")
	maxDelay := fs.Int("max-delay", int(cfg.MaxRetryDelay.Seconds()), "maximum retry delay (in seconds)")
	proxyMode := fs.String("proxy-mode", string(cfg.ProxyMode), "proxy selection mode: none, single or random")
	proxies := fs.String("proxies", strings.Join(cfg.Proxies, ","), "comma-separated proxy URLs")
	fs.StringVar(&cfg.DownloadDir, "o", cfg.DownloadDir, "download directory")
	fs.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "resume-state database path")
	fs.BoolVar(&cfg.KeepPartial, "keep-partial", cfg.KeepPartial, "keep .partial files when a transfer is cancelled")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.Timeout = time.Duration(*timeout) * time.Second
	cfg.MinRetryDelay = time.Duration(*minDelay) * time.Second
	cfg.MaxRetryDelay = time.Duration(*maxDelay) * time.Second

	if *proxyMode != "" {
		mode, err := ParseProxyMode(*proxyMode)
		if err != nil {
			panic(err)
		}
		cfg.ProxyMode = mode
	}

	if *proxies != "" {
		cfg.Proxies = strings.Split(*proxies, ",")
	}
}
