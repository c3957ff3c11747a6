package main

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/coldvault/vault/crypto"
	"github.com/coldvault/vault/engine"
)

// fileConfig is the on-disk shape of the TOML config file: vaultctl.toml
// beside the executable by default, or whatever --config points at. Every field is optional; DefaultConfig
// fills the gaps.
type fileConfig struct {
	VaultPath  string `toml:"vault_path"`
	KDFProfile string `toml:"kdf_profile"` // "low", "medium", "high"
	ChunkMiB   int    `toml:"chunk_mib"`
	LogFile    string `toml:"log_file"`
	LogLevel   string `toml:"log_level"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fc, nil
	}
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// engineConfig translates the parsed TOML (plus CLI overrides already
// merged into it by the caller) into an engine.Config.
func (fc fileConfig) engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	switch fc.KDFProfile {
	case "low":
		cfg.KDFProfile = crypto.ProfileLow
	case "high":
		cfg.KDFProfile = crypto.ProfileHigh
	case "medium", "":
		cfg.KDFProfile = crypto.ProfileMedium
	}
	if fc.ChunkMiB > 0 {
		cfg.ChunkSize = engine.ChunkSize(fc.ChunkMiB << 20)
	}
	return cfg
}
