// Package config loads runtime configuration for the transfer CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file: config.json in the working directory, or the path
//     given via -c or -config. A missing file is created with defaults; an
//     unreadable or invalid one is backed up and replaced with defaults.
//  3. Credential environment variables (MEGA_EMAIL, MEGA_PASSWORD, MEGA_MFA),
//     with a .env file loaded first when one exists.
//  4. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-w int              maximum parallel transfer workers
//	-b int              concurrency weight budget shared by all transfers
//	-r int              retry attempts per transfer before giving up
//	-t int              request timeout (seconds)
//	-min-delay int      minimum retry delay (seconds)
//	-max-delay int      maximum retry delay (seconds)
//	-proxy-mode string  proxy selection mode: none, single or random
//	-proxies string     comma-separated proxy URL list
//	-o string           download directory
//	-db string          path to the resume-state database
//	-keep-partial       keep .partial files when a transfer is cancelled
//
// # JSON schema
//
// The JSON loader uses timex.Duration for intervals, so values can be either
// strings like "20s" or integer nanoseconds. Fields absent from the file keep
// their current values:
//
//	{
//	  "max_workers": 10,
//	  "concurrency_budget": 10,
//	  "max_retries": 3,
//	  "timeout": "20s",
//	  "min_retry_delay": "10s",
//	  "max_retry_delay": "30s",
//	  "proxy_mode": "none",
//	  "proxies": [],
//	  "api_origin": "https://g.api.mega.co.nz/",
//	  "use_https": false,
//	  "download_dir": "downloads",
//	  "database_path": "transfers.db"
//	}
//
// Credentials never live in the JSON file: they come from the environment
// only and are not written back by Save.
package config
