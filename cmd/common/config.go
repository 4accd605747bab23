package common

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/imdario/mergo"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v3"

	"github.com/avtopark/carvault/vault"
	"github.com/avtopark/carvault/vault/disk"
	"github.com/avtopark/carvault/vault/paths"
)

// Config is the full service configuration. Values come from the YAML
// config file, with environment variables taking precedence so deployments
// can override any key without touching the file.
type Config struct {
	Token    string `yaml:"token"`
	BaseDir  string `yaml:"baseDir"`
	LogLevel string `yaml:"log"`
	Addr     string `yaml:"addr"`
	CacheDB  string `yaml:"cacheDb"`

	Regions     []string `yaml:"regions"`
	AdminRegion string   `yaml:"adminRegion"`

	MaxPhotosPerSlot     int     `yaml:"maxPhotosPerSlot"`
	MaxSlotSizeMB        float64 `yaml:"maxSlotSizeMb"`
	MaxFileSizeMB        float64 `yaml:"maxFileSizeMb"`
	MaxFilesPerUpload    int     `yaml:"maxFilesPerUpload"`
	MaxTotalUploadSizeMB float64 `yaml:"maxTotalUploadSizeMb"`

	RegionIndexTTLMS    int `yaml:"regionIndexTtlMs"`
	PhotosIndexTTLMS    int `yaml:"photosIndexTtlMs"`
	SlotStatsTTLMS      int `yaml:"slotStatsTtlMs"`
	LockTTLMS           int `yaml:"lockTtlMs"`
	ArchiveRetryDelayMS int `yaml:"archiveRetryDelayMs"`

	DebugDiskCalls     bool `yaml:"debugDiskCalls"`
	DebugWritePipeline bool `yaml:"debugWritePipeline"`
	DebugRegionIndex   bool `yaml:"debugRegionIndex"`
	DebugCarLoading    bool `yaml:"debugCarLoading"`
}

// DefaultConfigPath returns the default config location for carvault
func DefaultConfigPath() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		log.Error().Err(err).Msg("Could not determine configuration directory.")
	}
	return filepath.Join(confDir, "carvault/config.yml")
}

// LoadConfig is the primary way of loading carvault's config
func LoadConfig(path string) *Config {
	xdgCacheDir, _ := os.UserCacheDir()
	defaults := Config{
		BaseDir:     "/Фото",
		LogLevel:    "debug",
		Addr:        ":8080",
		CacheDB:     filepath.Join(xdgCacheDir, "carvault/index.db"),
		AdminRegion: paths.ArchiveRegion,
	}

	config := &Config{}
	conf, err := os.ReadFile(path)
	if err != nil {
		log.Warn().
			Err(err).
			Str("path", path).
			Msg("Configuration file not found, using defaults.")
	} else if err = yaml.Unmarshal(conf, config); err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("Could not parse configuration file, using defaults.")
	}
	if err = mergo.Merge(config, defaults); err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("Could not merge configuration file with defaults, using defaults only.")
	}

	config.applyEnv()
	for i, region := range config.Regions {
		config.Regions[i] = paths.NormalizeRegion(region)
	}
	config.AdminRegion = paths.NormalizeRegion(config.AdminRegion)
	return config
}

// applyEnv overlays the environment variables onto the config. Every key
// the deployment surface documents is handled here; a malformed value is
// logged and skipped rather than killing startup.
func (c *Config) applyEnv() {
	envString("YANDEX_DISK_TOKEN", &c.Token)
	envString("YANDEX_DISK_BASE_DIR", &c.BaseDir)
	envString("ADMIN_REGION", &c.AdminRegion)
	if raw, ok := os.LookupEnv("REGIONS"); ok {
		regions := []string{}
		for _, region := range strings.Split(raw, ",") {
			if region = strings.TrimSpace(region); region != "" {
				regions = append(regions, region)
			}
		}
		c.Regions = regions
	}

	envInt("MAX_PHOTOS_PER_SLOT", &c.MaxPhotosPerSlot)
	envFloat("MAX_SLOT_SIZE_MB", &c.MaxSlotSizeMB)
	envFloat("MAX_FILE_SIZE_MB", &c.MaxFileSizeMB)
	envInt("MAX_FILES_PER_UPLOAD", &c.MaxFilesPerUpload)
	envFloat("MAX_TOTAL_UPLOAD_SIZE_MB", &c.MaxTotalUploadSizeMB)

	envInt("REGION_INDEX_TTL_MS", &c.RegionIndexTTLMS)
	envInt("PHOTOS_INDEX_TTL_MS", &c.PhotosIndexTTLMS)
	envInt("SLOT_STATS_TTL_MS", &c.SlotStatsTTLMS)
	envInt("LOCK_TTL_MS", &c.LockTTLMS)
	envInt("ARCHIVE_RETRY_DELAY_MS", &c.ArchiveRetryDelayMS)

	envBool("DEBUG_DISK_CALLS", &c.DebugDiskCalls)
	envBool("DEBUG_WRITE_PIPELINE", &c.DebugWritePipeline)
	envBool("DEBUG_REGION_INDEX", &c.DebugRegionIndex)
	envBool("DEBUG_CAR_LOADING", &c.DebugCarLoading)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Error().Str("key", key).Str("value", v).Msg("Ignoring non-integer environment value.")
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Error().Str("key", key).Str("value", v).Msg("Ignoring non-numeric environment value.")
		return
	}
	*dst = f
}

func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Error().Str("key", key).Str("value", v).Msg("Ignoring non-boolean environment value.")
		return
	}
	*dst = b
}

// RegionAllowed reports whether callers may address the region. An empty
// allow-list permits every live region; the archive region additionally
// requires the admin scope.
func (c *Config) RegionAllowed(region string) bool {
	region = paths.NormalizeRegion(region)
	if region == paths.ArchiveRegion {
		return c.AdminRegion == paths.ArchiveRegion
	}
	if len(c.Regions) == 0 {
		return true
	}
	for _, allowed := range c.Regions {
		if allowed == region {
			return true
		}
	}
	return region == c.AdminRegion
}

// EngineConfig maps the deployment config onto the storage engine's.
func (c *Config) EngineConfig() vault.Config {
	return vault.Config{
		BaseDir:           c.BaseDir,
		PhotoCap:          c.MaxPhotosPerSlot,
		SlotSizeCapMB:     c.MaxSlotSizeMB,
		MaxFileSizeMB:     c.MaxFileSizeMB,
		MaxFilesPerUpload: c.MaxFilesPerUpload,
		MaxTotalUploadMB:  c.MaxTotalUploadSizeMB,
		RegionTTL:         time.Duration(c.RegionIndexTTLMS) * time.Millisecond,
		PhotosTTL:         time.Duration(c.PhotosIndexTTLMS) * time.Millisecond,
		SlotTTL:           time.Duration(c.SlotStatsTTLMS) * time.Millisecond,
		LockTTL:           time.Duration(c.LockTTLMS) * time.Millisecond,
		ArchiveRetryDelay: time.Duration(c.ArchiveRetryDelayMS) * time.Millisecond,
		DebugPipeline:     c.DebugWritePipeline,
		DebugRegionIndex:  c.DebugRegionIndex,
		DebugCarLoading:   c.DebugCarLoading,
	}
}

// DiskOptions maps the deployment config onto the disk adapter's options.
func (c *Config) DiskOptions() []disk.Option {
	return []disk.Option{disk.WithDebugCalls(c.DebugDiskCalls)}
}

// WriteConfig writes the config to a file
func (c Config) WriteConfig(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		log.Error().Err(err).Msg("Could not marshal config!")
		return err
	}
	os.MkdirAll(filepath.Dir(path), 0700)
	err = os.WriteFile(path, out, 0600)
	if err != nil {
		log.Error().Err(err).Msg("Could not write config to disk.")
	}
	return err
}
