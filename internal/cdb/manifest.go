package cdb

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ManifestVersion is the only manifest schema version understood.
const ManifestVersion = 1

// Manifest describes a 256-way partitioned CDB64 index. Each partition holds
// every record whose key starts with the partition's prefix byte.
type Manifest struct {
	Version      int         `json:"version"`
	CreatedAt    time.Time   `json:"createdAt"`
	TotalRecords uint64      `json:"totalRecords"`
	Partitions   []Partition `json:"partitions"`
}

// Partition describes one prefix's CDB64 file.
type Partition struct {
	// Prefix is the two-hex-digit first byte of every key in this partition.
	Prefix      string   `json:"prefix"`
	Location    Location `json:"location"`
	RecordCount uint64   `json:"recordCount"`
	Size        uint64   `json:"size"`
}

// Location points at the partition file. Only "http" is supported.
type Location struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ParseManifest decodes and validates manifest JSON.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("cdb: parse manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("cdb: unsupported manifest version %d", m.Version)
	}
	for _, p := range m.Partitions {
		if _, err := p.PrefixByte(); err != nil {
			return nil, err
		}
		if p.Location.Type != "http" {
			return nil, fmt.Errorf("cdb: partition %s: unsupported location type %q", p.Prefix, p.Location.Type)
		}
		if p.Location.URL == "" {
			return nil, fmt.Errorf("cdb: partition %s: empty location url", p.Prefix)
		}
	}
	return &m, nil
}

// PrefixByte decodes the two-hex-digit prefix into its byte value.
func (p *Partition) PrefixByte() (byte, error) {
	raw, err := hex.DecodeString(p.Prefix)
	if err != nil || len(raw) != 1 {
		return 0, fmt.Errorf("cdb: bad partition prefix %q", p.Prefix)
	}
	return raw[0], nil
}
