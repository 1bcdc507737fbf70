package config

import (
	"os"

	"github.com/joho/godotenv"
)

// parseEnv overlays account credentials from the environment. A .env file in
// the working directory is loaded first when present; real environment
// variables win over .env entries.
func parseEnv(cfg *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("MEGA_EMAIL"); v != "" {
		cfg.Email = v
	}
	if v := os.Getenv("MEGA_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MEGA_MFA"); v != "" {
		cfg.MFA = v
	}
}
