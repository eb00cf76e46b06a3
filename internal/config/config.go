package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Default configuration values (production)
const (
	DefaultDomain   = "directdrop.qzz.io"
	DefaultSTUN     = "stun:stun.l.google.com:19302"
	DefaultTURN     = "turn:directdrop.qzz.io"
	DefaultTURNUser = "directdrop"
	DefaultTURNPass = "directdrop-secret"

	DefaultChunkSize     = 16 << 20
	DefaultPoolWidth     = 12
	DefaultProbeWidth    = 2
	DefaultBenchmarkSize = 2 << 20
	DefaultListenAddr    = ":8080"
)

// Config holds application configuration
type Config struct {
	// Domain is the backend server domain
	Domain string

	// WebSocketURL is constructed from domain unless set explicitly
	WebSocketURL string

	// PeerID is the id to register with the signaling hub
	PeerID string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// Transfer tuning
	ChunkSize     int64
	PoolWidth     int
	ProbeWidth    int
	BenchmarkSize int
	SkipBenchmark bool

	// StoreDir holds received chunks until they are merged
	StoreDir string

	// ListenAddr is where the signaling hub serves
	ListenAddr string
}

// Options for loading config with CLI flag overrides. Zero values fall
// through to the environment and then to defaults.
type Options struct {
	Domain        string
	SignalingURL  string
	PeerID        string
	STUNServer    string
	TURNServer    string
	TURNUser      string
	TURNPass      string
	ForceRelay    bool
	ChunkSize     int64
	PoolWidth     int
	ProbeWidth    int
	BenchmarkSize int
	SkipBenchmark bool
	StoreDir      string
	ListenAddr    string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	domain := pick(opts.Domain, "DOMAIN", DefaultDomain)

	wsURL := pick(opts.SignalingURL, "SIGNALING_URL", "")
	if wsURL == "" {
		wsURL = fmt.Sprintf("wss://%s/ws", domain)
	}

	chunkSize, err := pickInt(opts.ChunkSize, "CHUNK_SIZE", DefaultChunkSize)
	if err != nil {
		return nil, err
	}
	poolWidth, err := pickInt(int64(opts.PoolWidth), "POOL_WIDTH", DefaultPoolWidth)
	if err != nil {
		return nil, err
	}
	probeWidth, err := pickInt(int64(opts.ProbeWidth), "PROBE_WIDTH", DefaultProbeWidth)
	if err != nil {
		return nil, err
	}
	benchmarkSize, err := pickInt(int64(opts.BenchmarkSize), "BENCHMARK_SIZE", DefaultBenchmarkSize)
	if err != nil {
		return nil, err
	}
	if probeWidth > poolWidth {
		return nil, fmt.Errorf("probe width %d exceeds pool width %d", probeWidth, poolWidth)
	}

	storeDir := pick(opts.StoreDir, "STORE_DIR", filepath.Join(os.TempDir(), "directdrop"))

	return &Config{
		Domain:        domain,
		WebSocketURL:  wsURL,
		PeerID:        pick(opts.PeerID, "PEER_ID", ""),
		STUNServer:    pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:    pick(opts.TURNServer, "TURN_SERVER", DefaultTURN),
		TURNUser:      pick(opts.TURNUser, "TURN_USERNAME", DefaultTURNUser),
		TURNPass:      pick(opts.TURNPass, "TURN_PASSWORD", DefaultTURNPass),
		ForceRelay:    opts.ForceRelay || envBool("FORCE_RELAY"),
		ChunkSize:     chunkSize,
		PoolWidth:     int(poolWidth),
		ProbeWidth:    int(probeWidth),
		BenchmarkSize: int(benchmarkSize),
		SkipBenchmark: opts.SkipBenchmark || envBool("SKIP_BENCHMARK"),
		StoreDir:      storeDir,
		ListenAddr:    pick(opts.ListenAddr, "LISTEN_ADDR", DefaultListenAddr),
	}, nil
}

// pick returns flag, then the environment variable env, then def.
func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func pickInt(flag int64, env string, def int64) (int64, error) {
	if flag < 0 {
		return 0, fmt.Errorf("invalid %s: %d", strings.ToLower(env), flag)
	}
	if flag > 0 {
		return flag, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s=%q", env, v)
	}
	return n, nil
}

func envBool(env string) bool {
	b, _ := strconv.ParseBool(os.Getenv(env))
	return b
}

// GetPeerLink returns the webapp URL for a peer id
func (c *Config) GetPeerLink(peerID string) string {
	return fmt.Sprintf("https://%s/p/%s", c.Domain, peerID)
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", strings.TrimPrefix(c.TURNServer, "turn:")),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
