package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/ivctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel      = "info"
	DefaultConfigFile    = "/etc/ivctl.toml"
	DefaultEnvPrefix     = "IVCTL"
	DefaultFlushInterval = 333 * time.Millisecond
	DefaultHTTPAddr      = "127.0.0.1:8450"
	DefaultHistoryDB     = "/var/lib/ivctl/history.db"
	DefaultPIDFile       = "ivctl.pid"
)

type InstrumentConfig struct {
	Driver     string        `mapstructure:"driver"`
	Address    string        `mapstructure:"address"`
	SerialPort string        `mapstructure:"serial_port"`
	Baud       int           `mapstructure:"baud"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type SimulationConfig struct {
	DelayMin time.Duration `mapstructure:"delay_min"`
	DelayMax time.Duration `mapstructure:"delay_max"`
	Seed     int64         `mapstructure:"seed"`
}

type SweepConfig struct {
	StartVoltage float64 `mapstructure:"start_voltage"`
	EndVoltage   float64 `mapstructure:"end_voltage"`
	Repeats      int     `mapstructure:"repeats"`
	ScanRate     float64 `mapstructure:"scan_rate"`
}

type AggregatorConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type StorageConfig struct {
	Folder   string `mapstructure:"folder"`
	CellName string `mapstructure:"cell_name"`
	Autosave bool   `mapstructure:"autosave"`
}

type AnalysisConfig struct {
	CellArea   float64 `mapstructure:"cell_area"`
	LightPower float64 `mapstructure:"light_power"`
}

type HistoryConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	PIDFile    string           `mapstructure:"pid_file"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	History    HistoryConfig    `mapstructure:"history"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("pid_file", DefaultPIDFile)
	v.SetDefault("instrument.driver", DriverSimulated)
	v.SetDefault("instrument.baud", 9600)
	v.SetDefault("instrument.timeout", 5*time.Second)
	v.SetDefault("simulation.delay_min", 45*time.Millisecond)
	v.SetDefault("simulation.delay_max", 55*time.Millisecond)
	v.SetDefault("sweep.start_voltage", 1.0)
	v.SetDefault("sweep.end_voltage", -0.1)
	v.SetDefault("sweep.repeats", 1)
	v.SetDefault("sweep.scan_rate", 10.0)
	v.SetDefault("aggregator.flush_interval", DefaultFlushInterval)
	v.SetDefault("storage.folder", ".")
	v.SetDefault("storage.autosave", true)
	v.SetDefault("analysis.cell_area", 1.0)
	v.SetDefault("analysis.light_power", 100.0)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.db_path", DefaultHistoryDB)
	v.SetDefault("history.batch_size", 16)
	v.SetDefault("history.batch_timeout", 5*time.Second)
	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("metrics.enabled", true)
}

// Flags returns the command line flags understood by Load. Flag names
// mirror configuration keys with '.' and '_' replaced by '-'.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("ivctl", pflag.ContinueOnError)
	fs.String("config", "", "Path to the TOML configuration file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("driver", DriverSimulated, "Instrument driver (simulated, keithley2450)")
	fs.String("address", "", "Instrument TCP address (host:port)")
	fs.String("serial-port", "", "Instrument serial port")
	fs.String("folder", ".", "Working folder for result files")
	fs.String("cell-name", "", "Cell name used for result file names")
	fs.Float64("start", 1.0, "Sweep start voltage (V)")
	fs.Float64("end", -0.1, "Sweep end voltage (V)")
	fs.Int("repeats", 1, "Number of sweeps in a sweep set")
	fs.Float64("scan-rate", 10.0, "Scan rate (mV/s), recorded as metadata")
	fs.Float64("cell-area", 1.0, "Cell area (cm2)")
	fs.Float64("light-power", 100.0, "Incident light power (mW/cm2)")
	fs.String("http-addr", DefaultHTTPAddr, "Listen address for the control surface")
	fs.Bool("history", false, "Record runs in the sqlite history database")
	fs.String("history-db", DefaultHistoryDB, "Path to the history database")

	return fs
}

var flagKeys = map[string]string{
	"log-level":   "log_level",
	"driver":      "instrument.driver",
	"address":     "instrument.address",
	"serial-port": "instrument.serial_port",
	"folder":      "storage.folder",
	"cell-name":   "storage.cell_name",
	"start":       "sweep.start_voltage",
	"end":         "sweep.end_voltage",
	"repeats":     "sweep.repeats",
	"scan-rate":   "sweep.scan_rate",
	"cell-area":   "analysis.cell_area",
	"light-power": "analysis.light_power",
	"http-addr":   "http.addr",
	"history":     "history.enabled",
	"history-db":  "history.db_path",
}

// Load reads configuration from defaults, the config file, the environment
// and the given command line arguments, in increasing order of precedence.
// Positional arguments are returned alongside the configuration.
func Load(args []string, opts ...Option) (*Config, []string, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	configPath := o.configPath
	if f := fs.Lookup("config"); f != nil && f.Changed {
		configPath = f.Value.String()
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if err := readConfigFile(v, configPath); err != nil {
		return nil, nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return cfg, fs.Args(), nil
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	v.SetConfigType("toml")

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err != nil {
			return nil
		}
		path = DefaultConfigFile
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file: "+err.Error())
	}

	return nil
}

// Validate checks the loaded configuration for values the runtime cannot use
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() && !strings.EqualFold(c.LogLevel, "warn") {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	switch c.Instrument.Driver {
	case DriverSimulated:
	case DriverKeithley2450:
		if c.Instrument.Address == "" && c.Instrument.SerialPort == "" {
			return errFactory.WithMessage(errors.ErrInvalidConfig,
				"keithley2450 requires instrument.address or instrument.serial_port")
		}
	default:
		return errFactory.WithData(errors.ErrInvalidDriver, c.Instrument.Driver)
	}

	if c.Aggregator.FlushInterval <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "aggregator.flush_interval must be positive")
	}

	if c.Simulation.DelayMax < c.Simulation.DelayMin {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "simulation.delay_max is below simulation.delay_min")
	}

	if c.History.Enabled && c.History.DBPath == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "history.db_path is required when history is enabled")
	}

	return nil
}
