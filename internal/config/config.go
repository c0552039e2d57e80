package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
)

// LoadConfig loads the configuration and sets default values for development/production
func LoadConfig() error {
	return LoadConfigFrom(".")
}

// LoadConfigFrom reads config.json from dir, creating it with defaults when missing.
func LoadConfigFrom(dir string) error {
	envFile := os.Getenv("HUB_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error reading env file: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.AddConfigPath(dir)
	viper.SetEnvPrefix("HUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create a default one
			return createDefaultConfig()
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	// Ensure we have sensible defaults in case they are not in the config file
	setDefaults()

	return nil
}

// setDefaults sets default configuration values based on the environment
func setDefaults() {
	env := viper.GetString("ENV")
	if env == "" {
		env = "development"
		viper.Set("ENV", env)
	}

	if env == "development" {
		viper.SetDefault("network", "regtest")
		viper.SetDefault("allowed_origin", "http://localhost:3000")
		viper.SetDefault("db_path", "./dev_hub.db")
		viper.SetDefault("log_level", "debug")
		viper.SetDefault("log_console", true)
	} else if env == "production" {
		viper.SetDefault("network", "mainnet")
		viper.SetDefault("allowed_origin", "https://my-production-site.com")
		viper.SetDefault("db_path", "/var/lib/payment-hub/hub.db")
		viper.SetDefault("log_level", "info")
		viper.SetDefault("log_console", false)
	}

	// fee model
	viper.SetDefault("routing_fee", 0)
	viper.SetDefault("avg_tx_fee_per_byte", 1)
	viper.SetDefault("tax_rate_percent", 110)
	viper.SetDefault("tx_input_size", 150)
	viper.SetDefault("tx_output_size", 40)
	viper.SetDefault("dust_limit", 546) // in satoshis
	viper.SetDefault("enforce_receiver_sync", false)

	// command channel
	viper.SetDefault("session_key", "")
	viper.SetDefault("session_keys", map[string]string{})
	viper.SetDefault("socket_path", "/tmp/payment-hub.sock")
	viper.SetDefault("api_port", 9004)
	viper.SetDefault("jwt_secret_file", "./jwtkeys/hub.secret")
	viper.SetDefault("owner_npub", "")

	// storage
	viper.SetDefault("state_dir", "./hub_state")
	viper.SetDefault("log_file", "hub.log")
	viper.SetDefault("snapshot_interval", "1m")
	viper.SetDefault("seal_passphrase_env", "HUB_SEAL_PASSPHRASE")
	viper.SetDefault("owner_key_file", "./hub_state/owner.key")
	viper.SetDefault("snapshot_keep", 20)
	viper.SetDefault("challenge_max_age", "10m")

	// chain
	viper.SetDefault("chain_backend", "none") // or "neutrino" or "rpc"
	viper.SetDefault("neutrino_dir", "./neutrino")
	viper.SetDefault("rpc_server", "127.0.0.1:8332")
	viper.SetDefault("rpc_user", "rpcuser")
	viper.SetDefault("rpc_password", "rpcpassword")
	viper.SetDefault("poll_interval", "30s")
	viper.SetDefault("fee_source", "static") // or "mempool"
	viper.SetDefault("fee_api_url", "https://mempool.space/api/v1/fees/recommended")
	viper.SetDefault("electrum_server", "")
	viper.SetDefault("electrum_ssl", true)
	viper.SetDefault("broadcast_api_url", "")
	viper.SetDefault("add_peers", []string{
		"seed.bitcoin.sipa.be:8333",
		"dnsseed.bluematt.me:8333",
		"seed.bitcoin.jonasschnelli.ch:8333",
		"seed.btc.petertodd.org:8333",
		"btcd-mainnet.lightning.computer:8333",
		"neutrino.bitcoin.kndx.dev:8333",
	})
}

// createDefaultConfig creates a new configuration file if it doesn't exist
func createDefaultConfig() error {
	setDefaults()

	err := viper.SafeWriteConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileAlreadyExistsError); ok {
			if err = viper.WriteConfig(); err != nil {
				return fmt.Errorf("error writing config file: %w", err)
			}
		} else {
			return fmt.Errorf("error creating config file: %w", err)
		}
	}

	fmt.Println("Created default configuration file")
	return nil
}

// ChainParams maps the network key to btcd chain parameters.
func ChainParams() (*chaincfg.Params, error) {
	switch viper.GetString("network") {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", viper.GetString("network"))
	}
}

// HubParams materializes the ledger sizing constants.
func HubParams() (ledger.Params, error) {
	net, err := ChainParams()
	if err != nil {
		return ledger.Params{}, err
	}
	p := ledger.DefaultParams(net)
	p.TxInputSize = viper.GetUint64("tx_input_size")
	p.TxOutputSize = viper.GetUint64("tx_output_size")
	p.TaxRatePercent = viper.GetUint64("tax_rate_percent")
	p.DustLimit = viper.GetUint64("dust_limit")
	p.EnforceReceiverSync = viper.GetBool("enforce_receiver_sync")
	if p.TaxRatePercent < 100 {
		return ledger.Params{}, fmt.Errorf("tax_rate_percent must be at least 100, got %d", p.TaxRatePercent)
	}
	return p, nil
}

// SessionKey decodes the hex session_key. An empty value yields nil.
func SessionKey() ([]byte, error) {
	raw := viper.GetString("session_key")
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session_key: %w", err)
	}
	return key, nil
}

// Duration reads a duration key, falling back when the value is unparsable.
func Duration(key string, fallback time.Duration) time.Duration {
	d := viper.GetDuration(key)
	if d <= 0 {
		return fallback
	}
	return d
}

// SealPassphrase reads the sealing passphrase from the configured environment variable.
func SealPassphrase() string {
	return os.Getenv(viper.GetString("seal_passphrase_env"))
}
