package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "memsync.cfg.json"

// MemoryConfig holds in-memory/JSON storage backend settings
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
}

// SQLiteConfig holds SQLite storage backend settings
type SQLiteConfig struct {
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
	DumpDir      string        `json:"dumpDir" mapstructure:"dumpDir"`
}

// DBConfig holds Postgres connection settings
type DBConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// WebSocketConfig holds streaming backend settings
type WebSocketConfig struct {
	URL    string
	Secret string
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Type          string
	FlushInterval time.Duration
	Memory        MemoryConfig
	SQLite        SQLiteConfig
	DB            DBConfig
	WebSocket     WebSocketConfig
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// ScheduleConfig holds loop cadences
type ScheduleConfig struct {
	Fast      time.Duration
	FastMin   time.Duration
	Slow      time.Duration
	Discovery time.Duration
	Loot      time.Duration
	Recorder  time.Duration
}

// ProcessConfig holds attach settings
type ProcessConfig struct {
	Name         string
	PollInterval time.Duration
	LayoutFile   string
}

// ReaderConfig holds memory access limits
type ReaderConfig struct {
	MinAddress  uint64
	MaxAddress  uint64
	MaxReadSize int
}

// InfluxConfig holds InfluxDB settings
type InfluxConfig struct {
	Enabled  bool
	Protocol string
	Host     string
	Port     string
	Token    string
	Org      string
	Bucket   string
	Backup   string
}

// GraylogConfig holds GELF log shipping settings
type GraylogConfig struct {
	Enabled bool
	Address string
}

// APIConfig holds upload endpoint settings
type APIConfig struct {
	ServerURL string
	APIKey    string
	Upload    bool
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("defaultTag", "raid")
	viper.SetDefault("logsDir", "./memsynclogs")
	viper.SetDefault("statusFile", "./status.txt")

	viper.SetDefault("api.serverUrl", "http://localhost:5000")
	viper.SetDefault("api.apiKey", "")
	viper.SetDefault("api.upload", false)

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "memsync")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "memsync-metrics")
	viper.SetDefault("influx.bucket", "memsync-performance")
	viper.SetDefault("influx.backup", "./influx_backup.log.gz")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.flushInterval", "2s")
	viper.SetDefault("storage.memory.outputDir", "./recordings")
	viper.SetDefault("storage.memory.compressOutput", true)
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")
	viper.SetDefault("storage.sqlite.dumpDir", "./recordings")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "memsync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("process.name", "")
	viper.SetDefault("process.pollInterval", "2s")
	viper.SetDefault("process.layoutFile", "")

	viper.SetDefault("reader.minAddress", 0x10000)
	viper.SetDefault("reader.maxAddress", uint64(0x7FFF_FFFF_FFFF))
	viper.SetDefault("reader.maxReadSize", 0)

	viper.SetDefault("schedule.fast", "16ms")
	viper.SetDefault("schedule.fastMin", "4ms")
	viper.SetDefault("schedule.slow", "1s")
	viper.SetDefault("schedule.discovery", "500ms")
	viper.SetDefault("schedule.loot", "5s")
	viper.SetDefault("schedule.recorder", "1s")
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// LoadDefaults sets default values without reading a file.
func LoadDefaults() {
	setDefaults()
}

// Flags registers the command line overrides on fs.
func Flags(fs *pflag.FlagSet) {
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("process", "", "target process name")
	fs.String("layout", "", "layout file (empty for the built-in layout)")
	fs.String("storage", "", "storage backend (memory, sqlite, postgres, websocket)")
}

// BindFlags binds the flags registered by Flags into viper.
func BindFlags(fs *pflag.FlagSet) error {
	binds := map[string]string{
		"logLevel":           "log-level",
		"process.name":       "process",
		"process.layoutFile": "layout",
		"storage.type":       "storage",
	}
	for key, flag := range binds {
		f := fs.Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetStorageConfig returns the storage backend settings.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type:          viper.GetString("storage.type"),
		FlushInterval: viper.GetDuration("storage.flushInterval"),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("storage.memory.outputDir"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
		},
		SQLite: SQLiteConfig{
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
			DumpDir:      viper.GetString("storage.sqlite.dumpDir"),
		},
		DB: DBConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
		},
		WebSocket: WebSocketConfig{
			URL:    viper.GetString("storage.websocket.url"),
			Secret: viper.GetString("api.apiKey"),
		},
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetScheduleConfig returns the loop cadences.
func GetScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Fast:      viper.GetDuration("schedule.fast"),
		FastMin:   viper.GetDuration("schedule.fastMin"),
		Slow:      viper.GetDuration("schedule.slow"),
		Discovery: viper.GetDuration("schedule.discovery"),
		Loot:      viper.GetDuration("schedule.loot"),
		Recorder:  viper.GetDuration("schedule.recorder"),
	}
}

// GetProcessConfig returns the attach settings.
func GetProcessConfig() ProcessConfig {
	return ProcessConfig{
		Name:         viper.GetString("process.name"),
		PollInterval: viper.GetDuration("process.pollInterval"),
		LayoutFile:   viper.GetString("process.layoutFile"),
	}
}

// GetReaderConfig returns the memory access limits.
func GetReaderConfig() ReaderConfig {
	return ReaderConfig{
		MinAddress:  viper.GetUint64("reader.minAddress"),
		MaxAddress:  viper.GetUint64("reader.maxAddress"),
		MaxReadSize: viper.GetInt("reader.maxReadSize"),
	}
}

// GetInfluxConfig returns the InfluxDB settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
		Backup:   viper.GetString("influx.backup"),
	}
}

// GetGraylogConfig returns the GELF settings.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

// GetAPIConfig returns the upload endpoint settings.
func GetAPIConfig() APIConfig {
	return APIConfig{
		ServerURL: viper.GetString("api.serverUrl"),
		APIKey:    viper.GetString("api.apiKey"),
		Upload:    viper.GetBool("api.upload"),
	}
}
