package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"jobledger/crypto"
	"jobledger/native/market"
)

// Storage backends selectable through the Backend field.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Config drives a marketplace host: where state lives, which token settles
// escrows, and the fee policy the engines start with.
type Config struct {
	DataDir              string        `toml:"DataDir"`
	Backend              string        `toml:"Backend"`
	ArchivePath          string        `toml:"ArchivePath"`
	PaymentToken         string        `toml:"PaymentToken"`
	TokenName            string        `toml:"TokenName"`
	TokenDecimals        uint8         `toml:"TokenDecimals"`
	OperatorKeystorePath string        `toml:"OperatorKeystorePath"`
	WebhookURL           string        `toml:"WebhookURL"`
	WebhookSecret        string        `toml:"WebhookSecret"`
	CancellationFeeBps   uint32        `toml:"CancellationFeeBps"`
	ArbitrationFeeBps    uint32        `toml:"ArbitrationFeeBps"`
	InitialReputation    uint32        `toml:"InitialReputation"`
	SeedAccounts         []SeedAccount `toml:"SeedAccount"`
}

// SeedAccount names a bech32 account credited with the payment token when a
// fresh ledger is initialised. Amount is a decimal string in smallest token
// units.
type SeedAccount struct {
	Account string `toml:"Account"`
	Amount  string `toml:"Amount"`
}

// Load reads the configuration from the given path, creating a default file
// and host keystore when none exists. Absent fee fields fall back to the
// marketplace defaults so a zero in the file stays an explicit zero.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	defaults := market.DefaultParams()
	if !meta.IsDefined("CancellationFeeBps") {
		cfg.CancellationFeeBps = defaults.CancellationFeeBps
	}
	if !meta.IsDefined("ArbitrationFeeBps") {
		cfg.ArbitrationFeeBps = defaults.ArbitrationFeeBps
	}
	if !meta.IsDefined("InitialReputation") {
		cfg.InitialReputation = defaults.InitialReputation
	}

	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./jobledger-data"
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" {
		cfg.Backend = BackendMemory
	}
	cfg.PaymentToken = strings.ToUpper(strings.TrimSpace(cfg.PaymentToken))
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the host cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("config: unsupported backend %q", c.Backend)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if strings.TrimSpace(c.WebhookURL) != "" && strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("config: WebhookSecret is required when WebhookURL is set")
	}
	if len(c.SeedAccounts) > 0 && strings.TrimSpace(c.PaymentToken) == "" {
		return fmt.Errorf("config: seed accounts require a PaymentToken")
	}
	for _, seed := range c.SeedAccounts {
		if _, err := crypto.ParseAccount(strings.TrimSpace(seed.Account)); err != nil {
			return fmt.Errorf("config: seed account %q: %w", seed.Account, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(seed.Amount), 10)
		if !ok || amount.Sign() <= 0 {
			return fmt.Errorf("config: seed amount %q must be a positive integer", seed.Amount)
		}
	}
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Params returns the marketplace parameters carried by the file.
func (c *Config) Params() market.Params {
	return market.Params{
		CancellationFeeBps: c.CancellationFeeBps,
		ArbitrationFeeBps:  c.ArbitrationFeeBps,
		InitialReputation:  c.InitialReputation,
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	defaults := market.DefaultParams()
	cfg := &Config{
		DataDir:            "./jobledger-data",
		Backend:            BackendMemory,
		ArchivePath:        "",
		PaymentToken:       "",
		TokenName:          "",
		TokenDecimals:      6,
		CancellationFeeBps: defaults.CancellationFeeBps,
		ArbitrationFeeBps:  defaults.ArbitrationFeeBps,
		InitialReputation:  defaults.InitialReputation,
	}
	cfg.OperatorKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
