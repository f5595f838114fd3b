package state

import (
	"fmt"
	"time"
)

// KeyRefreshInterval is how often the base station replaces the global key.
type KeyRefreshInterval uint8

const (
	RefreshDisabled KeyRefreshInterval = iota
	RefreshDebug
	RefreshHourly
	RefreshHalfDay
	RefreshDaily
	RefreshWeekly
	RefreshMonthly
	RefreshQuarterly
)

var refreshNames = [...]string{"disabled", "debug", "hourly", "halfday", "daily", "weekly", "monthly", "quarterly"}

var refreshDurations = [...]time.Duration{
	0,
	time.Minute,
	time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
	91 * 24 * time.Hour,
}

func (i KeyRefreshInterval) Valid() bool {
	return int(i) < len(refreshNames)
}

func (i KeyRefreshInterval) Duration() time.Duration {
	if !i.Valid() {
		return 0
	}
	return refreshDurations[i]
}

// Escalate returns the next shorter interval. Hourly and debug do not shorten further.
func (i KeyRefreshInterval) Escalate() KeyRefreshInterval {
	switch {
	case i == RefreshDisabled || i > RefreshQuarterly:
		return RefreshWeekly
	case i > RefreshHourly:
		return i - 1
	}
	return i
}

func (i KeyRefreshInterval) String() string {
	if !i.Valid() {
		return fmt.Sprintf("interval(%d)", uint8(i))
	}
	return refreshNames[i]
}

func (i KeyRefreshInterval) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *KeyRefreshInterval) UnmarshalText(text []byte) error {
	for n, name := range refreshNames {
		if name == string(text) {
			*i = KeyRefreshInterval(n)
			return nil
		}
	}
	return fmt.Errorf("unknown key refresh interval %q", string(text))
}

// SecurityPreset bundles the data security mode, key transfer mode and refresh interval.
type SecurityPreset string

const (
	PresetNone    SecurityPreset = "none"
	PresetLow     SecurityPreset = "low"
	PresetOptimal SecurityPreset = "optimal"
	PresetExtreme SecurityPreset = "extreme"
	PresetUser    SecurityPreset = "user"
)

type presetValues struct {
	DataMode        SecurityMode
	KeyExchangeMode SecurityMode
	KeyRefresh      KeyRefreshInterval
}

var presets = map[SecurityPreset]presetValues{
	PresetNone:    {SecurityNone, SecurityEncryptAndMACPriorKey, RefreshDisabled},
	PresetLow:     {SecurityMAC, SecurityEncryptAndMACPriorKey, RefreshMonthly},
	PresetOptimal: {SecurityEncryptAndMAC, SecurityEncryptAndMACPriorKey, RefreshWeekly},
	PresetExtreme: {SecurityEncryptAndMAC, SecurityEncryptAndMACPairwiseBroadcast, RefreshDaily},
}

// NodeCfg is the node level configuration read from node.yaml
type NodeCfg struct {
	Id            NodeId             `yaml:"id"`
	BaseStation   bool               `yaml:"base_station,omitempty"`      // this node is the base station
	BaseStationId NodeId             `yaml:"base_station_id"`             // address status reports are sent to
	Preset        SecurityPreset     `yaml:"preset,omitempty"`            // security preset, defaults to optimal
	DataMode      SecurityMode       `yaml:"data_mode,omitempty"`         // only read with the user preset
	KeyExchange   SecurityMode       `yaml:"key_exchange_mode,omitempty"` // only read with the user preset
	KeyRefresh    KeyRefreshInterval `yaml:"key_refresh,omitempty"`       // only read with the user preset
	InitialKey    Key                `yaml:"initial_key"`                 // pre-shared key for the handshake
	GlobalKey     Key                `yaml:"global_key"`                  // network key installed at boot
	CipherChain   []string           `yaml:"cipher_chain,omitempty"`      // ordered block cipher names
	DisableStages []string           `yaml:"disabled_stages,omitempty"`   // packet security stages to turn off
	LogPath       string             `yaml:"log_path,omitempty"`          // if not empty, logs are also written to this file
	MetricsBind   string             `yaml:"metrics_bind,omitempty"`      // serve metrics on this address
}

// ApplyPreset fills DataMode, KeyExchange and KeyRefresh from the configured preset.
func (c *NodeCfg) ApplyPreset() {
	if c.Preset == "" {
		c.Preset = PresetOptimal
	}
	if c.Preset == PresetUser {
		return
	}
	v := presets[c.Preset]
	c.DataMode = v.DataMode
	c.KeyExchange = v.KeyExchangeMode
	c.KeyRefresh = v.KeyRefresh
}

// NormalizeKeyExchange maps EncryptAndMAC to EncryptAndMACPriorKey for key transfers.
func NormalizeKeyExchange(m SecurityMode) SecurityMode {
	if m == SecurityEncryptAndMAC {
		return SecurityEncryptAndMACPriorKey
	}
	return m
}
