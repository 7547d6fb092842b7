package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// SandboxConfig describes the container used for package rebuilds.
type SandboxConfig struct {
	Image       string   `yaml:"image"`
	NetworkMode string   `yaml:"network_mode"` // "host" shares the host network
	InitSleep   int      `yaml:"init_sleep"`   // seconds the idle init process lives
	ExtraBinds  []string `yaml:"extra_binds"`  // "src=dst[:ro]"
	TmpfsMB     int      `yaml:"tmpfs_mb"`
	IndexUpdate []string `yaml:"index_update"` // package index refresh before the first build script
}

type Config struct {
	CacheDir       string        `yaml:"cache_dir"`
	DBPath         string        `yaml:"db_path"`
	ToolDir        string        `yaml:"tool_dir"`
	PartsDir       string        `yaml:"parts_dir"`
	FindPath       []string      `yaml:"find_path"`
	SearchDepth    int           `yaml:"search_depth"`
	FsyncSize      int64         `yaml:"fsync_size"`
	ChecksumAlgo   string        `yaml:"checksum_algo"` // sha256 | blake3
	ChecksumFile   *string       `yaml:"checksum_file"` // nil: search parents, "": disabled
	NoSymlinks     bool          `yaml:"no_symlinks"`
	UpdateSkip     []string      `yaml:"update_skip"`
	CombinedFSType string        `yaml:"combined_fs_type"`
	ProxyEnvVars   []string      `yaml:"proxy_env_vars"`
	DestDir        string        `yaml:"dest_dir"`
	Sandbox        SandboxConfig `yaml:"sandbox"`
}

// DefaultFsyncSize bounds how much unsynced data a replacement may hold.
const DefaultFsyncSize = 0x1000000

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		CacheDir:       "/var/cache/lbu",
		ToolDir:        "/opt/LiveBootUtils",
		PartsDir:       "/.parts",
		SearchDepth:    3,
		FsyncSize:      DefaultFsyncSize,
		ChecksumAlgo:   "sha256",
		CombinedFSType: "overlay",
		Sandbox: SandboxConfig{
			Image:       "debian:stable",
			NetworkMode: "host",
			InitSleep:   7200,
			TmpfsMB:     4096,
			IndexUpdate: []string{"apt-get", "update"},
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.CacheDir, "lbu.db")
	}

	return cfg, nil
}

// DownloadDir is the shared cache for clones and fetched archives.
func (c *Config) DownloadDir() string {
	if v := os.Getenv("dl_cache_dir"); v != "" {
		return v
	}
	return filepath.Join(c.CacheDir, "dl")
}

func (c *Config) RebuildDir() string {
	return filepath.Join(c.CacheDir, "rebuild")
}

func (c *Config) LockDir() string {
	return filepath.Join(c.CacheDir, "locks")
}

// ParseSize accepts integer literals in any base ("0x1000000") or
// human sizes ("16MiB").
func ParseSize(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return n, nil
	}
	return units.RAMInBytes(s)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LBU_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("LBU_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LBU_TOOL_DIR"); v != "" {
		cfg.ToolDir = v
	}
	if v := os.Getenv("LBU_PARTS_DIR"); v != "" {
		cfg.PartsDir = v
	}
	if v := os.Getenv("LBU_DESTDIR"); v != "" {
		cfg.DestDir = v
	}
	if v := os.Getenv("LBU_BUILD_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("LBU_NETWORK_MODE"); v != "" {
		cfg.Sandbox.NetworkMode = v
	}
	if v := os.Getenv("LBU_INIT_SLEEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.InitSleep = n
		}
	}
	if v := os.Getenv("LBU_CHECKSUM_ALGO"); v != "" {
		cfg.ChecksumAlgo = v
	}
	if v := os.Getenv("SFS_FIND_PATH"); v != "" {
		cfg.FindPath = strings.Split(v, ":")
	}
	if v := os.Getenv("SFS_SEARCH_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SearchDepth = n
		}
	}
	if v := os.Getenv("SFS_FSYNC_SIZE"); v != "" {
		if n, err := ParseSize(v); err == nil {
			cfg.FsyncSize = n
		}
	}
	if v, ok := os.LookupEnv("SFS_CHECKSUM_FILE"); ok {
		cfg.ChecksumFile = &v
	}
	if v := os.Getenv("NO_SFS_SYMLINKS"); v != "" {
		cfg.NoSymlinks = true
	}
	if v := os.Getenv("SFS_UPDATE_SKIP"); v != "" {
		cfg.UpdateSkip = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("COMBINED_MOUNT_TYPE"); v != "" {
		cfg.CombinedFSType = v
	}
	if v, ok := os.LookupEnv("DL_PROXY_ENV_VARS"); ok {
		cfg.ProxyEnvVars = strings.Fields(v)
	}
	if v := os.Getenv("BUILD_EXTRA_BINDS"); v != "" {
		cfg.Sandbox.ExtraBinds = append(cfg.Sandbox.ExtraBinds, strings.Fields(v)...)
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
