package config

import (
	"fmt"
	"time"

	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/keelmail/keel/strategy"
)

// Structs

// Config holds all information parsed from
// supplied config file.
type Config struct {
	StorePath      string
	PrometheusAddr string
	Tuning         Tuning
	Accounts       map[string]Account
}

// Account is one synced mailbox: where its gateway lives and how
// deep its sync is allowed to reach.
type Account struct {
	ID            int64
	Server        string
	BaseURL       string
	Username      string
	DaysToSync    int
	SyncLimit     int
	SkipProvision bool
}

// Tuning exposes the picker's staleness and speculation knobs in
// config-friendly units. Zero values keep the stock settings.
type Tuning struct {
	NarrowSyncStaleSeconds int
	QuickSyncStaleSeconds  int
	PingStaleSeconds       int
	FolderSyncStaleSeconds int
	ScrubAgeHours          int
	FetchOdds              float64
	WidePingOdds           float64
	WaitIntervalSeconds    int
}

// Functions

// LoadConfig takes in the path to the main config
// file of keel in TOML syntax and places the values
// from the file in the corresponding struct.
func LoadConfig(configFile string) (*Config, error) {

	conf := new(Config)

	// Parse values from TOML file into struct.
	_, err := toml.DecodeFile(configFile, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read in TOML config file at '%s' with: %v", configFile, err)
	}

	if conf.StorePath == "" {
		return nil, fmt.Errorf("config needs a StorePath to place the local database at")
	}

	// Anchor a relative store path at the working directory, so
	// all processes sharing the config agree on the database.
	if filepath.IsAbs(conf.StorePath) != true {

		abs, err := filepath.Abs(conf.StorePath)
		if err != nil {
			return nil, fmt.Errorf("could not get absolute path of store: %v", err)
		}

		conf.StorePath = abs
	}

	if len(conf.Accounts) == 0 {
		return nil, fmt.Errorf("config defines no accounts")
	}

	// Make sure account IDs are present and unique, they key all
	// local state.
	seen := make(map[int64]string, len(conf.Accounts))

	for name, acc := range conf.Accounts {

		if acc.ID <= 0 {
			return nil, fmt.Errorf("account '%s' needs a positive ID", name)
		}

		if other, ok := seen[acc.ID]; ok {
			return nil, fmt.Errorf("accounts '%s' and '%s' share ID %d", other, name, acc.ID)
		}

		seen[acc.ID] = name

		if acc.Server == "" || acc.BaseURL == "" {
			return nil, fmt.Errorf("account '%s' needs both Server and BaseURL", name)
		}

		if acc.Username == "" {
			return nil, fmt.Errorf("account '%s' needs a Username", name)
		}
	}

	return conf, nil
}

// Strategy translates the configured knobs into picker tuning,
// keeping the stock value for every knob left at zero.
func (t Tuning) Strategy() strategy.Tuning {

	tuning := strategy.DefaultTuning()

	if t.NarrowSyncStaleSeconds > 0 {
		tuning.NarrowSyncStale = time.Duration(t.NarrowSyncStaleSeconds) * time.Second
	}

	if t.QuickSyncStaleSeconds > 0 {
		tuning.QuickSyncStale = time.Duration(t.QuickSyncStaleSeconds) * time.Second
	}

	if t.PingStaleSeconds > 0 {
		tuning.PingStale = time.Duration(t.PingStaleSeconds) * time.Second
	}

	if t.FolderSyncStaleSeconds > 0 {
		tuning.FolderSyncStale = time.Duration(t.FolderSyncStaleSeconds) * time.Second
	}

	if t.ScrubAgeHours > 0 {
		tuning.ScrubAge = time.Duration(t.ScrubAgeHours) * time.Hour
	}

	if t.FetchOdds > 0 {
		tuning.FetchOdds = t.FetchOdds
	}

	if t.WidePingOdds > 0 {
		tuning.WidePingOdds = t.WidePingOdds
	}

	if t.WaitIntervalSeconds > 0 {
		tuning.WaitInterval = time.Duration(t.WaitIntervalSeconds) * time.Second
	}

	return tuning
}
