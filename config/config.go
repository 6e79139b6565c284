package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/veymar/trackgate/quality"
	"github.com/veymar/trackgate/redact"
)

type Config struct {
	Log       Log       `yaml:"log"`
	Storage   Storage   `yaml:"storage"`
	Download  Download  `yaml:"download"`
	Providers Providers `yaml:"providers"`
}

func (c *Config) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Dict("log", c.Log.ToDict()).
		Dict("storage", c.Storage.ToDict()).
		Dict("download", c.Download.ToDict()).
		Dict("providers", c.Providers.ToDict())
}

func (c *Config) setDefaults() {
	c.Log.setDefaults()
	c.Storage.setDefaults()
	c.Download.setDefaults()
	c.Providers.setDefaults()
}

func (c *Config) validate() error {
	if err := c.Log.validate(); nil != err {
		return fmt.Errorf("log config validation failed: %v", err)
	}

	if err := c.Storage.validate(); nil != err {
		return fmt.Errorf("storage config validation failed: %v", err)
	}

	if err := c.Download.validate(); nil != err {
		return fmt.Errorf("download config validation failed: %v", err)
	}

	if err := c.Providers.validate(); nil != err {
		return fmt.Errorf("providers config validation failed: %v", err)
	}

	return nil
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Log) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("level", c.Level).
		Str("format", c.Format)
}

func (c *Log) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}

	if c.Format == "" {
		c.Format = "pretty"
	}
}

func (c *Log) validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error", "fatal", "panic"}, c.Level) {
		return fmt.Errorf(
			"level must be one of: debug, info, warn, error, fatal, panic, got: %s",
			c.Level,
		)
	}

	if !slices.Contains([]string{"json", "pretty"}, c.Format) {
		return fmt.Errorf("format must be 'json' or 'pretty', got: %s", c.Format)
	}

	return nil
}

const (
	StorageModePermanent = "permanent"
	StorageModeCache     = "cache"
)

type Storage struct {
	Mode      string `yaml:"mode"`
	MusicDir  string `yaml:"music_dir"`
	CacheDir  string `yaml:"cache_dir"`
	StateFile string `yaml:"state_file"`
	CredsFile string `yaml:"creds_file"`
}

func (c *Storage) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("mode", c.Mode).
		Str("music_dir", c.MusicDir).
		Str("cache_dir", c.CacheDir).
		Str("state_file", c.StateFile).
		Str("creds_file", c.CredsFile)
}

func (c *Storage) setDefaults() {
	if c.Mode == "" {
		c.Mode = StorageModePermanent
	}

	if c.MusicDir == "" {
		c.MusicDir = "./music"
	}

	if c.CacheDir == "" {
		c.CacheDir = "./cache"
	}

	if c.StateFile == "" {
		c.StateFile = "./trackgate.db"
	}

	if c.CredsFile == "" {
		c.CredsFile = "./creds.json"
	}
}

func (c *Storage) validate() error {
	if !slices.Contains([]string{StorageModePermanent, StorageModeCache}, c.Mode) {
		return fmt.Errorf("mode must be 'permanent' or 'cache', got: %s", c.Mode)
	}

	root := lo.Ternary(c.Mode == StorageModePermanent, c.MusicDir, c.CacheDir)
	if i, err := os.Stat(root); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("storage root %s does not exist", root)
		}

		return fmt.Errorf("failed to stat storage root %s: %v", root, err)
	} else if !i.IsDir() {
		return fmt.Errorf("storage root %s must be a directory", root)
	}

	return nil
}

type Download struct {
	PreferredQuality string           `yaml:"preferred_quality"`
	AutoUpgrade      bool             `yaml:"auto_upgrade"`
	AlbumMode        bool             `yaml:"album_mode"`
	WholeAlbums      bool             `yaml:"whole_albums"`
	Timeouts         DownloadTimeouts `yaml:"timeouts"`
}

func (c *Download) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("preferred_quality", c.PreferredQuality).
		Bool("auto_upgrade", c.AutoUpgrade).
		Bool("album_mode", c.AlbumMode).
		Bool("whole_albums", c.WholeAlbums).
		Dict("timeouts", c.Timeouts.ToDict())
}

func (c *Download) setDefaults() {
	if c.PreferredQuality == "" {
		c.PreferredQuality = "FLAC"
	}

	c.Timeouts.setDefaults()
}

func (c *Download) validate() error {
	if !quality.Known(c.PreferredQuality) {
		return fmt.Errorf("preferred_quality is not a known quality label: %s", c.PreferredQuality)
	}

	if err := c.Timeouts.validate(); nil != err {
		return fmt.Errorf("timeouts config validation failed: %v", err)
	}

	return nil
}

type DownloadTimeouts struct {
	GetMetadata   int `yaml:"get_metadata"`
	GetStreamURLs int `yaml:"get_stream_urls"`
	DownloadTrack int `yaml:"download_track"`
	DownloadCover int `yaml:"download_cover"`
	FetchBundle   int `yaml:"fetch_bundle"`
}

func (c *DownloadTimeouts) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Int("get_metadata", c.GetMetadata).
		Int("get_stream_urls", c.GetStreamURLs).
		Int("download_track", c.DownloadTrack).
		Int("download_cover", c.DownloadCover).
		Int("fetch_bundle", c.FetchBundle)
}

func (c *DownloadTimeouts) setDefaults() {
	if c.GetMetadata == 0 {
		c.GetMetadata = 5
	}

	if c.GetStreamURLs == 0 {
		c.GetStreamURLs = 10
	}

	if c.DownloadTrack == 0 {
		c.DownloadTrack = 120
	}

	if c.DownloadCover == 0 {
		c.DownloadCover = 10
	}

	if c.FetchBundle == 0 {
		c.FetchBundle = 15
	}
}

func (c *DownloadTimeouts) validate() error {
	if c.GetMetadata < 0 {
		return errors.New("get_metadata must be greater than 0")
	}

	if c.GetStreamURLs < 0 {
		return errors.New("get_stream_urls must be greater than 0")
	}

	if c.DownloadTrack < 0 {
		return errors.New("download_track must be greater than 0")
	}

	if c.DownloadCover < 0 {
		return errors.New("download_cover must be greater than 0")
	}

	if c.FetchBundle < 0 {
		return errors.New("fetch_bundle must be greater than 0")
	}

	return nil
}

type Providers struct {
	Deezer Deezer `yaml:"deezer"`
	Qobuz  Qobuz  `yaml:"qobuz"`
	Tidal  Tidal  `yaml:"tidal"`
}

func (c *Providers) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Dict("deezer", c.Deezer.ToDict()).
		Dict("qobuz", c.Qobuz.ToDict()).
		Dict("tidal", c.Tidal.ToDict())
}

func (c *Providers) setDefaults() {
	c.Deezer.setDefaults()
	c.Qobuz.setDefaults()
	c.Tidal.setDefaults()
}

func (c *Providers) validate() error {
	if err := c.Deezer.validate(); nil != err {
		return fmt.Errorf("deezer config validation failed: %v", err)
	}

	if err := c.Qobuz.validate(); nil != err {
		return fmt.Errorf("qobuz config validation failed: %v", err)
	}

	if err := c.Tidal.validate(); nil != err {
		return fmt.Errorf("tidal config validation failed: %v", err)
	}

	return nil
}

type Deezer struct {
	ARL             string   `yaml:"-"`
	ARLSecondary    string   `yaml:"-"`
	RequestInterval Duration `yaml:"request_interval"`
}

func (c *Deezer) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("arl", redact.String(c.ARL)).
		Str("arl_secondary", redact.String(c.ARLSecondary)).
		Str("request_interval", c.RequestInterval.String())
}

func (c *Deezer) setDefaults() {
	if c.RequestInterval.Duration == 0 {
		c.RequestInterval.Duration = 200 * time.Millisecond
	}
}

func (c *Deezer) validate() error {
	if c.RequestInterval.Duration < 0 {
		return errors.New("request_interval must be greater than 0")
	}

	return nil
}

type Qobuz struct {
	WebBase string `yaml:"web_base"`
	APIBase string `yaml:"api_base"`
}

func (c *Qobuz) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("web_base", c.WebBase).
		Str("api_base", c.APIBase)
}

func (c *Qobuz) setDefaults() {
	if c.WebBase == "" {
		c.WebBase = "https://play.qobuz.com"
	}

	if c.APIBase == "" {
		c.APIBase = "https://www.qobuz.com/api.json/0.2"
	}
}

func (c *Qobuz) validate() error {
	if c.WebBase == "" {
		return errors.New("web_base is required")
	}

	if c.APIBase == "" {
		return errors.New("api_base is required")
	}

	return nil
}

type Tidal struct {
	Instances []string `yaml:"instances"`
}

func (c *Tidal) ToDict() *zerolog.Event {
	arr := zerolog.Arr()
	for _, instance := range c.Instances {
		arr.Str(instance)
	}

	return zerolog.Dict().
		Array("instances", arr)
}

func (c *Tidal) setDefaults() {
	if len(c.Instances) == 0 {
		c.Instances = []string{
			"https://hifi.401658.xyz",
			"https://tidal.401658.xyz",
		}
	}
}

func (c *Tidal) validate() error {
	if len(c.Instances) == 0 {
		return errors.New("at least one instance is required")
	}

	return nil
}

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("failed to parse duration: %v", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("failed to parse duration: %v", err)
	}

	d.Duration = parsed

	return nil
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(lo.Ternary(len(filename) > 0, filename, "config.yaml"))
	if nil != err {
		return nil, fmt.Errorf("failed to read config file %s: %v", filename, err)
	}

	var conf Config
	if err := yaml.Unmarshal(data, &conf); nil != err {
		return nil, fmt.Errorf("failed to parse config file %s: %v", filename, err)
	}

	conf.Providers.Deezer.ARL = os.Getenv("DEEZER_ARL")
	conf.Providers.Deezer.ARLSecondary = os.Getenv("DEEZER_ARL_SECONDARY")
	conf.setDefaults()

	if err := conf.validate(); nil != err {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}

	return &conf, nil
}
