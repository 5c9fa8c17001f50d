// Package config loads and defaults the daemon's configuration: peer
// listen range, RPC and DHT binding, storage paths, throttle and
// connection limits, and the tracker/blocklist settings every other
// package is constructed from.
package config

import (
	"io/ioutil"
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config is the full daemon configuration, loaded from YAML with
// DefaultConfig merged in for anything the file omits.
type Config struct {
	// Peer listen port range; PortBegin is used alone if PortEnd is zero.
	PortBegin uint16 `yaml:"port_begin"`
	PortEnd   uint16 `yaml:"port_end"`

	RPCHost            string        `yaml:"rpc_host"`
	RPCPort            uint16        `yaml:"rpc_port"`
	RPCShutdownTimeout time.Duration `yaml:"rpc_shutdown_timeout"`

	DHTEnabled bool     `yaml:"dht_enabled"`
	DHTAddress string   `yaml:"dht_address"`
	DHTPort    uint16   `yaml:"dht_port"`
	DHTRouters []string `yaml:"dht_routers"`

	Database string `yaml:"database"`
	DataDir  string `yaml:"data_dir"`

	MaxOpenFiles  int `yaml:"max_open_files"`
	MaxPeerDial   int `yaml:"max_peer_dial"`
	MaxPeerAccept int `yaml:"max_peer_accept"`

	PieceReadBufferSize int   `yaml:"piece_read_buffer_size"`
	PieceCacheSize      int64 `yaml:"piece_cache_size"`
	PeerReadQueueDepth  int   `yaml:"peer_read_queue_depth"`

	ThrottleUpload   int64 `yaml:"throttle_upload"`
	ThrottleDownload int64 `yaml:"throttle_download"`

	UnchokedPeers           int `yaml:"unchoked_peers"`
	OptimisticUnchokedPeers int `yaml:"optimistic_unchoked_peers"`

	PeerConnectTimeout   time.Duration `yaml:"peer_connect_timeout"`
	PeerHandshakeTimeout time.Duration `yaml:"peer_handshake_timeout"`
	PieceTimeout         time.Duration `yaml:"piece_timeout"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`

	BitfieldWriteInterval time.Duration `yaml:"bitfield_write_interval"`
	StatsWriteInterval    time.Duration `yaml:"stats_write_interval"`

	ExtensionHandshakeClientVersion string `yaml:"extension_handshake_client_version"`
	PEXEnabled                      bool   `yaml:"pex_enabled"`

	BlocklistPath           string `yaml:"blocklist_path"`
	BlocklistReloadInterval int    `yaml:"blocklist_reload_interval_sec"`

	TrackerHTTPTimeout   int    `yaml:"tracker_http_timeout_sec"`
	TrackerHTTPUserAgent string `yaml:"tracker_http_user_agent"`

	DownloadToken string `yaml:"download_token"`
}

// DefaultConfig is merged under whatever a config file supplies.
var DefaultConfig = Config{
	PortBegin:               6881,
	PortEnd:                 6889,
	RPCHost:                 "127.0.0.1",
	RPCPort:                 7246,
	RPCShutdownTimeout:      5 * time.Second,
	DHTEnabled:              true,
	DHTPort:                 6881,
	DHTRouters:              []string{"router.bittorrent.com:6881", "dht.transmissionbt.com:6881"},
	Database:                "~/.swarmd/resume.db",
	DataDir:                 "~/.swarmd/downloads",
	MaxOpenFiles:            50,
	MaxPeerDial:             40,
	MaxPeerAccept:           200,
	PieceReadBufferSize:     4096,
	PieceCacheSize:          64 * 1024 * 1024,
	PeerReadQueueDepth:      256,
	UnchokedPeers:           4,
	OptimisticUnchokedPeers: 1,
	PeerConnectTimeout:      5 * time.Second,
	PeerHandshakeTimeout:    10 * time.Second,
	PieceTimeout:            30 * time.Second,
	RequestTimeout:          20 * time.Second,
	BitfieldWriteInterval:   30 * time.Second,
	StatsWriteInterval:      30 * time.Second,
	ExtensionHandshakeClientVersion: "swarmd/1.0",
	PEXEnabled:                      true,
	BlocklistReloadInterval:         3600,
	TrackerHTTPTimeout:              5,
	TrackerHTTPUserAgent:            "swarmd/1.0",
}

// Load reads filename as YAML over DefaultConfig, expanding "~" in
// path-shaped fields; a missing file is not an error, matching the
// teacher's LoadConfig behavior.
func Load(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return expandPaths(&c)
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return expandPaths(&c)
}

func expandPaths(c *Config) (*Config, error) {
	var err error
	if c.Database, err = homedir.Expand(c.Database); err != nil {
		return nil, err
	}
	if c.DataDir, err = homedir.Expand(c.DataDir); err != nil {
		return nil, err
	}
	return c, nil
}
