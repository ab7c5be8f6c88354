package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/b0ase/path402/apps/hashdash/internal/rates"
)

const (
	keyRateConfig = "rate_config"
	keyWalletWIF  = "wallet_wif"
	keyMining     = "mining_enabled"
)

func GetConfig(key string) (string, error) {
	var val string
	err := db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&val)
	if err != nil {
		return "", err
	}
	return val, nil
}

func SetConfig(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}

func GetNodeID() (string, error) {
	return GetConfig("node_id")
}

// GetConfigJSON decodes the value at key into v. It reports false when the
// key is not set.
func GetConfigJSON(key string, v any) (bool, error) {
	raw, err := GetConfig(key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode config %s: %w", key, err)
	}
	return true, nil
}

func SetConfigJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode config %s: %w", key, err)
	}
	return SetConfig(key, string(raw))
}

func GetWalletWIF() (string, error) {
	wif, err := GetConfig(keyWalletWIF)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return wif, err
}

func SetWalletWIF(wif string) error {
	return SetConfig(keyWalletWIF, wif)
}

// GetMiningEnabled returns the persisted mining switch. set is false when
// the operator has never toggled mining.
func GetMiningEnabled() (on, set bool, err error) {
	set, err = GetConfigJSON(keyMining, &on)
	return on, set, err
}

func SetMiningEnabled(on bool) error {
	return SetConfigJSON(keyMining, on)
}

// RateConfigStore persists the aggregate rate configuration in the config
// table.
type RateConfigStore struct{}

func (RateConfigStore) LoadRateConfig() (rates.AggregateConfiguration, bool, error) {
	var cfg rates.AggregateConfiguration
	ok, err := GetConfigJSON(keyRateConfig, &cfg)
	return cfg, ok, err
}

func (RateConfigStore) SaveRateConfig(cfg rates.AggregateConfiguration) error {
	return SetConfigJSON(keyRateConfig, cfg)
}
