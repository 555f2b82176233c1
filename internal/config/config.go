// Package config resolves the CLI surface of spec section 6: pflag parsing,
// an optional TOML file layered underneath it, and validation of the
// preconditions section 7.1 treats as fatal setup errors.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// Config is the fully resolved set of options a run needs, independent of
// how they were supplied (CLI flags, a TOML file, or both).
type Config struct {
	Client bool
	UDP    bool

	IPv4Only bool
	IPv6Only bool

	Host      string
	LocalHost string

	ControlPort int
	DataPort    int

	NumThreads int
	NumFlows   int
	TestLength int // seconds

	BufferSize   int
	RequestSize  int
	ResponseSize int

	Interval float64 // seconds

	EdgeTrigger bool
	PinCPU      bool

	MaxEvents     int
	ListenBacklog int
	Nonblocking   bool

	Magic uint32

	AllSamplesPath string
	SuicideLength  int // seconds, 0 disables

	ScriptPath string
}

// fileConfig mirrors Config field-for-field but with pointer/omitempty
// semantics so an absent TOML key never overwrites a flag-supplied value.
// Named the way BurntSushi/toml expects: lowercase field names map to
// lowercase TOML keys by default, so struct tags spell out the snake_case
// table the spec's flag names suggest.
type fileConfig struct {
	Client *bool `toml:"client"`
	UDP    *bool `toml:"udp"`

	IPv4Only *bool `toml:"ipv4"`
	IPv6Only *bool `toml:"ipv6"`

	Host      *string `toml:"host"`
	LocalHost *string `toml:"local_host"`

	ControlPort *int `toml:"control_port"`
	DataPort    *int `toml:"port"`

	NumThreads *int `toml:"num_threads"`
	NumFlows   *int `toml:"num_flows"`
	TestLength *int `toml:"test_length"`

	BufferSize   *int `toml:"buffer_size"`
	RequestSize  *int `toml:"request_size"`
	ResponseSize *int `toml:"response_size"`

	Interval *float64 `toml:"interval"`

	EdgeTrigger *bool `toml:"edge_trigger"`
	PinCPU      *bool `toml:"pin_cpu"`

	MaxEvents     *int  `toml:"maxevents"`
	ListenBacklog *int  `toml:"listen_backlog"`
	Nonblocking   *bool `toml:"nonblocking"`

	Magic *uint32 `toml:"magic"`

	AllSamplesPath *string `toml:"all_samples"`
	SuicideLength  *int    `toml:"suicide_length"`

	ScriptPath *string `toml:"script"`
}

// defaults matches spec section 6's Default column exactly.
func defaults() Config {
	return Config{
		ControlPort:   12866,
		DataPort:      12867,
		NumThreads:    1,
		NumFlows:      1,
		TestLength:    10,
		BufferSize:    16384,
		Interval:      1.0,
		MaxEvents:     1000,
		ListenBacklog: 128,
		Magic:         42,
	}
}

// Load parses args (normally os.Args[1:]) into a Config. A --config file,
// if given, is loaded first and only fills fields the flag set's own
// defaults would otherwise occupy; any flag the caller actually passed on
// the command line takes precedence over the file, per section 6's "CLI
// flags take precedence over file values."
func Load(args []string) (*Config, error) {
	cfg := defaults()

	fs := pflag.NewFlagSet("rushit", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configPath string
	fs.StringVar(&configPath, "config", "", "load options from a TOML file")

	fs.BoolVarP(&cfg.Client, "client", "c", cfg.Client, "run as client (else server)")
	fs.BoolVarP(&cfg.UDP, "udp", "u", cfg.UDP, "use UDP instead of TCP for the data plane")
	fs.BoolVarP(&cfg.IPv4Only, "ipv4", "4", cfg.IPv4Only, "force IPv4")
	fs.BoolVarP(&cfg.IPv6Only, "ipv6", "6", cfg.IPv6Only, "force IPv6")
	fs.StringVarP(&cfg.Host, "host", "H", cfg.Host, "server hostname/address")
	fs.StringVarP(&cfg.LocalHost, "local-host", "L", cfg.LocalHost, "client-side source address")
	fs.IntVarP(&cfg.ControlPort, "control-port", "C", cfg.ControlPort, "control-plane port")
	fs.IntVarP(&cfg.DataPort, "port", "P", cfg.DataPort, "data port")
	fs.IntVarP(&cfg.NumThreads, "num-threads", "T", cfg.NumThreads, "worker threads per side")
	fs.IntVarP(&cfg.NumFlows, "num-flows", "F", cfg.NumFlows, "total flows (clients only)")
	fs.IntVarP(&cfg.TestLength, "test-length", "l", cfg.TestLength, "test length in seconds")
	fs.IntVarP(&cfg.BufferSize, "buffer-size", "B", cfg.BufferSize, "per-I/O buffer size")
	fs.IntVar(&cfg.RequestSize, "request-size", cfg.RequestSize, "request size for an RR workload")
	fs.IntVar(&cfg.ResponseSize, "response-size", cfg.ResponseSize, "response size for an RR workload")
	fs.Float64VarP(&cfg.Interval, "interval", "I", cfg.Interval, "sampling period in seconds")
	fs.BoolVarP(&cfg.EdgeTrigger, "edge-trigger", "E", cfg.EdgeTrigger, "edge-triggered readiness")
	fs.BoolVarP(&cfg.PinCPU, "pin-cpu", "U", cfg.PinCPU, "pin workers to physical cores")
	fs.IntVar(&cfg.MaxEvents, "maxevents", cfg.MaxEvents, "readiness batch size")
	fs.IntVar(&cfg.ListenBacklog, "listen-backlog", cfg.ListenBacklog, "listen backlog")
	fs.BoolVar(&cfg.Nonblocking, "nonblocking", cfg.Nonblocking, "use a 10ms loop timeout instead of blocking readiness waits")
	var magic int
	fs.IntVar(&magic, "magic", int(cfg.Magic), "control-plane shared secret")
	fs.StringVarP(&cfg.AllSamplesPath, "all-samples", "A", cfg.AllSamplesPath, "dump every sample to this CSV path")
	fs.IntVarP(&cfg.SuicideLength, "suicide-length", "s", cfg.SuicideLength, "self-abort after N seconds (0 disables)")
	fs.StringVar(&cfg.ScriptPath, "script", cfg.ScriptPath, "script file to load")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Magic = uint32(magic)

	if configPath != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(configPath, &fc); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		applyFileConfig(&cfg, &fc, fs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFileConfig overlays fc onto cfg for every field whose flag was not
// explicitly set on the command line (fs.Changed reports that), so CLI
// flags always win over the file and the file always wins over the
// built-in default.
func applyFileConfig(cfg *Config, fc *fileConfig, fs *pflag.FlagSet) {
	set := func(name string) bool { return fs.Changed(name) }

	if fc.Client != nil && !set("client") {
		cfg.Client = *fc.Client
	}
	if fc.UDP != nil && !set("udp") {
		cfg.UDP = *fc.UDP
	}
	if fc.IPv4Only != nil && !set("ipv4") {
		cfg.IPv4Only = *fc.IPv4Only
	}
	if fc.IPv6Only != nil && !set("ipv6") {
		cfg.IPv6Only = *fc.IPv6Only
	}
	if fc.Host != nil && !set("host") {
		cfg.Host = *fc.Host
	}
	if fc.LocalHost != nil && !set("local-host") {
		cfg.LocalHost = *fc.LocalHost
	}
	if fc.ControlPort != nil && !set("control-port") {
		cfg.ControlPort = *fc.ControlPort
	}
	if fc.DataPort != nil && !set("port") {
		cfg.DataPort = *fc.DataPort
	}
	if fc.NumThreads != nil && !set("num-threads") {
		cfg.NumThreads = *fc.NumThreads
	}
	if fc.NumFlows != nil && !set("num-flows") {
		cfg.NumFlows = *fc.NumFlows
	}
	if fc.TestLength != nil && !set("test-length") {
		cfg.TestLength = *fc.TestLength
	}
	if fc.BufferSize != nil && !set("buffer-size") {
		cfg.BufferSize = *fc.BufferSize
	}
	if fc.RequestSize != nil && !set("request-size") {
		cfg.RequestSize = *fc.RequestSize
	}
	if fc.ResponseSize != nil && !set("response-size") {
		cfg.ResponseSize = *fc.ResponseSize
	}
	if fc.Interval != nil && !set("interval") {
		cfg.Interval = *fc.Interval
	}
	if fc.EdgeTrigger != nil && !set("edge-trigger") {
		cfg.EdgeTrigger = *fc.EdgeTrigger
	}
	if fc.PinCPU != nil && !set("pin-cpu") {
		cfg.PinCPU = *fc.PinCPU
	}
	if fc.MaxEvents != nil && !set("maxevents") {
		cfg.MaxEvents = *fc.MaxEvents
	}
	if fc.ListenBacklog != nil && !set("listen-backlog") {
		cfg.ListenBacklog = *fc.ListenBacklog
	}
	if fc.Nonblocking != nil && !set("nonblocking") {
		cfg.Nonblocking = *fc.Nonblocking
	}
	if fc.Magic != nil && !set("magic") {
		cfg.Magic = *fc.Magic
	}
	if fc.AllSamplesPath != nil && !set("all-samples") {
		cfg.AllSamplesPath = *fc.AllSamplesPath
	}
	if fc.SuicideLength != nil && !set("suicide-length") {
		cfg.SuicideLength = *fc.SuicideLength
	}
	if fc.ScriptPath != nil && !set("script") {
		cfg.ScriptPath = *fc.ScriptPath
	}
}

// Validate checks the preconditions spec section 7.1 treats as fatal setup
// errors: bad options abort before any socket is touched.
func (c *Config) Validate() error {
	if c.IPv4Only && c.IPv6Only {
		return fmt.Errorf("config: -4 and -6 are mutually exclusive")
	}
	if c.NumThreads < 1 {
		return fmt.Errorf("config: num-threads must be >= 1, got %d", c.NumThreads)
	}
	if c.NumFlows < 1 {
		return fmt.Errorf("config: num-flows must be >= 1, got %d", c.NumFlows)
	}
	if c.TestLength < 1 {
		return fmt.Errorf("config: test-length must be >= 1, got %d", c.TestLength)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("config: buffer-size must be > 0, got %d", c.BufferSize)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("config: interval must be > 0, got %g", c.Interval)
	}
	if c.MaxEvents < 1 {
		return fmt.Errorf("config: maxevents must be >= 1, got %d", c.MaxEvents)
	}
	if c.Client && c.Host == "" {
		return fmt.Errorf("config: --host is required for a client")
	}
	if !c.Client && c.NumFlows != 1 {
		return fmt.Errorf("config: num-flows only applies to clients")
	}
	if c.IsRR() && (c.RequestSize <= 0 || c.ResponseSize <= 0) {
		return fmt.Errorf("config: request-size and response-size must both be set to select the RR workload")
	}
	return nil
}

// IsRR reports whether request/response sizes select the RR workload mode
// (the supplemented latency-carrying workload of SPEC_FULL's expansion)
// instead of the default streaming mode.
func (c *Config) IsRR() bool {
	return c.RequestSize > 0 || c.ResponseSize > 0
}
