package config

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"

	"lanxfer/pkg/utils"
)

// EnvPrefix prefixes every environment override, e.g. LANXFER_LISTEN_PORT.
const EnvPrefix = "LANXFER"

// ProtocolVersion is the wire version carried in advertisements and offers.
const ProtocolVersion = 1

// EngineSettings is the full set of values injected into the engine. They are
// read when a transfer or listen cycle starts; changes apply to the next one.
type EngineSettings struct {
	DisplayName        string        `toml:"display_name" envconfig:"display_name" validate:"required,max=64"`
	ListenPort         int           `toml:"listen_port" envconfig:"listen_port" validate:"min=1,max=65535"`
	SaveDirectory      string        `toml:"save_directory" envconfig:"save_directory" validate:"required"`
	MaxFileSize        Size          `toml:"max_file_size" envconfig:"max_file_size" validate:"gt=0"`
	AutoAccept         bool          `toml:"auto_accept" envconfig:"auto_accept"`
	BufferSize         Size          `toml:"buffer_size" envconfig:"buffer_size" validate:"min=512,max=16777216"`
	ConnectionTimeout  time.Duration `toml:"connection_timeout" envconfig:"connection_timeout" validate:"gt=0"`
	MaxParallelThreads int           `toml:"max_parallel_threads" envconfig:"max_parallel_threads" validate:"min=1,max=64"`
	SplitThreshold     Size          `toml:"split_threshold" envconfig:"split_threshold" validate:"gt=0"`
	DiscoveryInterval  time.Duration `toml:"discovery_interval" envconfig:"discovery_interval" validate:"gt=0"`

	DiscoveryPort    int           `toml:"discovery_port" envconfig:"discovery_port" validate:"min=1,max=65535"`
	DiscoveryGroup   string        `toml:"discovery_group" envconfig:"discovery_group" validate:"ip"`
	OverwriteFiles   bool          `toml:"overwrite_files" envconfig:"overwrite_files"`
	CreateSubfolders bool          `toml:"create_subfolders" envconfig:"create_subfolders"`
	KeepPartialFiles bool          `toml:"keep_partial_files" envconfig:"keep_partial_files"`
	AcceptTimeout    time.Duration `toml:"accept_timeout" envconfig:"accept_timeout" validate:"gt=0"`
	ChunkRetries     int           `toml:"chunk_retries" envconfig:"chunk_retries" validate:"min=0,max=20"`
	RetryBaseDelay   time.Duration `toml:"retry_base_delay" envconfig:"retry_base_delay" validate:"gt=0"`
	CompressionLevel int           `toml:"compression_level" envconfig:"compression_level" validate:"min=1,max=4"`
	PreSharedKey     string        `toml:"pre_shared_key,omitempty" envconfig:"pre_shared_key"`
	VerifyChecksums  bool          `toml:"verify_checksums" envconfig:"verify_checksums"`
	SpeedWindow      time.Duration `toml:"speed_window" envconfig:"speed_window" validate:"gt=0"`
	ControlAddress   string        `toml:"control_address,omitempty" envconfig:"control_address" validate:"omitempty,hostname_port"`
	ControlToken     string        `toml:"control_token,omitempty" envconfig:"control_token"`
	MetricsAddress   string        `toml:"metrics_address,omitempty" envconfig:"metrics_address" validate:"omitempty,hostname_port"`
	HistoryPath      string        `toml:"history_path,omitempty" envconfig:"history_path"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() EngineSettings {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "lanxfer"
	}

	return EngineSettings{
		DisplayName:        name,
		ListenPort:         12345,
		SaveDirectory:      "~/Downloads/lanxfer",
		MaxFileSize:        Size(1024 * utils.MegaByte),
		AutoAccept:         false,
		BufferSize:         Size(16 * utils.KiloByte),
		ConnectionTimeout:  30 * time.Second,
		MaxParallelThreads: 4,
		SplitThreshold:     Size(200 * utils.MegaByte),
		DiscoveryInterval:  30 * time.Second,

		DiscoveryPort:    12340,
		DiscoveryGroup:   "239.255.42.42",
		OverwriteFiles:   false,
		CreateSubfolders: true,
		KeepPartialFiles: false,
		AcceptTimeout:    60 * time.Second,
		ChunkRetries:     3,
		RetryBaseDelay:   500 * time.Millisecond,
		CompressionLevel: 2,
		VerifyChecksums:  true,
		SpeedWindow:      5 * time.Second,
	}
}

var validate = validator.New()

// Validate checks every field against its constraints.
func (s *EngineSettings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// ControlAddr returns the control API address, defaulting to the loopback
// interface on listen_port+1.
func (s *EngineSettings) ControlAddr() string {
	if s.ControlAddress != "" {
		return s.ControlAddress
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.ListenPort+1))
}

// ResolvedSaveDirectory expands a leading ~ in SaveDirectory.
func (s *EngineSettings) ResolvedSaveDirectory() (string, error) {
	dir, err := homedir.Expand(s.SaveDirectory)
	if err != nil {
		return "", fmt.Errorf("failed to expand save directory: %w", err)
	}
	return filepath.Abs(dir)
}

// ResolvedHistoryPath expands HistoryPath. Empty means in-memory history.
func (s *EngineSettings) ResolvedHistoryPath() (string, error) {
	if s.HistoryPath == "" {
		return "", nil
	}
	return homedir.Expand(s.HistoryPath)
}

// FromReader decodes TOML over def and then applies environment overrides.
func FromReader(reader io.Reader, def EngineSettings) (EngineSettings, error) {
	cfg := def
	if _, err := toml.NewDecoder(reader).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to process env overrides: %w", err)
	}
	return cfg, nil
}

// Load reads settings from path on top of the defaults. A missing file is not
// an error: the defaults plus environment overrides are returned.
func Load(path string) (EngineSettings, error) {
	def := DefaultSettings()
	if path == "" {
		path = DefaultConfigPath()
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return def, fmt.Errorf("failed to expand config path: %w", err)
	}

	file, err := os.Open(expanded)
	if os.IsNotExist(err) {
		if err := envconfig.Process(EnvPrefix, &def); err != nil {
			return def, fmt.Errorf("failed to process env overrides: %w", err)
		}
		return def, def.Validate()
	}
	if err != nil {
		return def, fmt.Errorf("failed to read config file: %w", err)
	}
	defer file.Close()

	cfg, err := FromReader(file, def)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Encode renders settings as TOML.
func Encode(s EngineSettings) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(s); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes settings to path, creating parent directories.
func Save(path string, s EngineSettings) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand config path: %w", err)
	}

	data, err := Encode(s)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(expanded), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
