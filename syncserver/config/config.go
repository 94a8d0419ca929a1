package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"spheresync/pkg/utils"
)

type ServerConfig struct {
	Port      string
	SecretHex string
	Gateways  []string
	StateDir  string
}

var AppConfig ServerConfig

// Load reads syncserver/.env when present, then the environment.
func Load() error {
	if err := godotenv.Load("syncserver/.env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading env: %w", err)
	}
	AppConfig = ServerConfig{
		Port:      utils.EnvOrDefault("SYNC_PORT", "8082"),
		SecretHex: os.Getenv("SYNC_WALLET_SECRET"),
		Gateways:  utils.EnvOrDefaultList("SPHERESYNC_GATEWAYS", nil),
		StateDir:  utils.EnvOrDefault("SYNC_STATE_DIR", "state"),
	}
	if AppConfig.SecretHex == "" {
		return fmt.Errorf("SYNC_WALLET_SECRET is required")
	}
	return nil
}
