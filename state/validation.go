package state

import (
	"fmt"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/encodeous/meshsec/blockmode"
)

// Names of the packet security pipeline stages, in the order they secure outgoing packets.
const (
	StageReplay     = "replay"
	StageEncryption = "encryption"
	StageMAC        = "mac"
)

var StageNames = []string{StageReplay, StageEncryption, StageMAC}

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func BindValidator(s string) error {
	_, err := netip.ParseAddrPort(s)
	return err
}

func IdValidator(id NodeId) error {
	if id == Broadcast {
		return fmt.Errorf("node id %d is reserved for broadcast", uint8(id))
	}
	return nil
}

func NodeConfigValidator(node *NodeCfg) error {
	if err := IdValidator(node.Id); err != nil {
		return err
	}
	if node.InitialKey.IsZero() {
		return fmt.Errorf("node.InitialKey is not set")
	}
	if node.GlobalKey.IsZero() {
		return fmt.Errorf("node.GlobalKey is not set")
	}
	if node.Preset != "" && node.Preset != PresetUser {
		if _, ok := presets[node.Preset]; !ok {
			return fmt.Errorf("unknown security preset %q", node.Preset)
		}
	}
	if node.Preset == PresetUser {
		if !node.KeyRefresh.Valid() {
			return fmt.Errorf("node.KeyRefresh %s is invalid", node.KeyRefresh)
		}
		if node.DataMode == SecurityMACWithInitialKey || node.DataMode == SecurityEncryptAndMACPriorKey {
			return fmt.Errorf("data mode %s is reserved for key exchange", node.DataMode)
		}
		if node.KeyExchange < SecurityEncryptAndMAC {
			return fmt.Errorf("key exchange mode %s does not encrypt and authenticate", node.KeyExchange)
		}
	}
	if node.BaseStation {
		if node.BaseStationId != Broadcast && node.BaseStationId != node.Id {
			return fmt.Errorf("base station %s has base_station_id %s", node.Id, node.BaseStationId)
		}
	} else if node.BaseStationId == Broadcast {
		return fmt.Errorf("node.BaseStationId is not set")
	}
	for _, c := range node.CipherChain {
		if !slices.Contains(blockmode.Names(), c) {
			return fmt.Errorf("unknown cipher %q, expected one of %v", c, blockmode.Names())
		}
	}
	for _, s := range node.DisableStages {
		if !slices.Contains(StageNames, s) {
			return fmt.Errorf("unknown security stage %q, expected one of %v", s, StageNames)
		}
	}
	if node.LogPath != "" {
		if err := PathValidator(node.LogPath); err != nil {
			return fmt.Errorf("node.LogPath: %w", err)
		}
	}
	if node.MetricsBind != "" {
		if err := BindValidator(node.MetricsBind); err != nil {
			return fmt.Errorf("node.MetricsBind: %w", err)
		}
	}
	return nil
}

func TopologyValidator(cfg *TopologyCfg) error {
	seen := make(map[NodeId]bool)
	baseStations := 0
	for i := range cfg.Nodes {
		n := &cfg.Nodes[i]
		if err := IdValidator(n.Id); err != nil {
			return err
		}
		if seen[n.Id] {
			return fmt.Errorf("duplicate node %s", n.Id)
		}
		seen[n.Id] = true
		if n.BaseStation {
			baseStations++
		}
	}
	if baseStations != 1 {
		return fmt.Errorf("expected exactly one base station, found %d", baseStations)
	}
	if cfg.Loss < 0 || cfg.Loss >= 1 {
		return fmt.Errorf("loss %f must be in [0, 1)", cfg.Loss)
	}
	_, err := cfg.Links()
	return err
}
