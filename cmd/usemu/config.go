package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/usemu/internal/dataset"
	"github.com/rjboer/usemu/internal/device"
	"github.com/rjboer/usemu/internal/logging"
	"github.com/rjboer/usemu/internal/ops"
)

type schemeConfig struct {
	Ops                     int           `yaml:"ops"`
	RxChannels              int           `yaml:"rxChannels"`
	Samples                 int           `yaml:"samples"`
	Decimation              int           `yaml:"decimation"`
	PRI                     time.Duration `yaml:"pri"`
	Mode                    string        `yaml:"mode"`
	BufferDepth             int           `yaml:"bufferDepth"`
	FrameRepetitionInterval time.Duration `yaml:"frameRepetitionInterval"`
	DDCDecimation           float64       `yaml:"ddcDecimation"`
	DemodulationFrequency   float64       `yaml:"demodulationFrequency"`
	CenterFrequency         float64       `yaml:"centerFrequency"`
}

type mdnsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Retries  uint64 `yaml:"retries"`
}

type logConfig struct {
	Level  string             `yaml:"level"`
	Format string             `yaml:"format"`
	File   logging.FileConfig `yaml:"file"`
}

type config struct {
	Dataset           string            `yaml:"dataset"`
	FrameShape        dataset.Shape     `yaml:"frameShape"`
	SamplingFrequency float64           `yaml:"samplingFrequency"`
	Probe             device.ProbeModel `yaml:"probe"`
	Scheme            schemeConfig      `yaml:"scheme"`
	TriggerRate       float64           `yaml:"triggerRate"`
	SpectrumEvery     int               `yaml:"spectrumEvery"`
	MaxFrames         uint64            `yaml:"maxFrames"`
	HistoryLimit      int               `yaml:"historyLimit"`
	WebAddr           string            `yaml:"webAddr"`
	MDNS              mdnsConfig        `yaml:"mdns"`
	Log               logConfig         `yaml:"log"`
}

func defaultConfig() config {
	return config{
		FrameShape:        dataset.Shape{Channels: 32, Samples: 2048},
		SamplingFrequency: 65e6,
		Probe: device.ProbeModel{
			ID:               device.ProbeModelID{Manufacturer: "generic", Name: "linear-128"},
			NumElements:      128,
			Pitch:            0.3e-3,
			TxFrequencyRange: [2]float64{1e6, 15e6},
		},
		Scheme: schemeConfig{
			Ops:             1,
			Decimation:      1,
			PRI:             100 * time.Microsecond,
			Mode:            "manual",
			BufferDepth:     4,
			CenterFrequency: 5e6,
		},
		TriggerRate:   10,
		SpectrumEvery: 32,
		HistoryLimit:  500,
		WebAddr:       ":8080",
		MDNS:          mdnsConfig{Enabled: true, Instance: "usemu", Retries: 5},
		Log:           logConfig{Level: "info", Format: "text"},
	}
}

// loadConfig decodes a YAML file over the defaults. Relative local dataset paths are
// resolved against the file's directory.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.Dataset = resolvePath(filepath.Dir(path), cfg.Dataset)
	return cfg, nil
}

func resolvePath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || strings.Contains(p, "://") || filepath.IsAbs(p) {
		return p
	}
	candidate := filepath.Clean(filepath.Join(baseDir, p))
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return filepath.Clean(p)
}

// configPath finds the -config flag value in args, else USEMU_CONFIG.
func configPath(args []string, lookup func(string) (string, bool)) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return envString(lookup, "USEMU_CONFIG", "")
}

// resolveConfig layers defaults, the YAML file, environment and flags.
func resolveConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	defaults := defaultConfig()
	if path := configPath(args, lookup); path != "" {
		loaded, err := loadConfig(path)
		if err != nil {
			return config{}, err
		}
		defaults = loaded
	}
	return parseConfig(args, lookup, defaults)
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults config) (config, error) {
	cfg := defaults
	var configFile string
	fs := flag.NewFlagSet("usemu", flag.ContinueOnError)
	fs.StringVar(&configFile, "config", envString(lookup, "USEMU_CONFIG", ""), "YAML configuration file")
	fs.StringVar(&cfg.Dataset, "dataset", envString(lookup, "USEMU_DATASET", defaults.Dataset), "Dataset location (path, file:// or ssh:// URL)")
	fs.IntVar(&cfg.FrameShape.Channels, "frame-channels", envInt(lookup, "USEMU_FRAME_CHANNELS", defaults.FrameShape.Channels), "Recorded rx channels per frame")
	fs.IntVar(&cfg.FrameShape.Samples, "frame-samples", envInt(lookup, "USEMU_FRAME_SAMPLES", defaults.FrameShape.Samples), "Recorded samples per channel")
	fs.Float64Var(&cfg.SamplingFrequency, "fs", envFloat(lookup, "USEMU_FS", defaults.SamplingFrequency), "Nominal sampling frequency in Hz")
	fs.IntVar(&cfg.Scheme.Ops, "ops", envInt(lookup, "USEMU_OPS", defaults.Scheme.Ops), "TxRx operations per sequence")
	fs.StringVar(&cfg.Scheme.Mode, "mode", envString(lookup, "USEMU_MODE", defaults.Scheme.Mode), "Work mode (manual|host|async|sync)")
	fs.IntVar(&cfg.Scheme.BufferDepth, "buffer-depth", envInt(lookup, "USEMU_BUFFER_DEPTH", defaults.Scheme.BufferDepth), "Frame buffer slots")
	fs.DurationVar(&cfg.Scheme.PRI, "pri", envDuration(lookup, "USEMU_PRI", defaults.Scheme.PRI), "Pulse repetition interval")
	fs.IntVar(&cfg.Scheme.Decimation, "decimation", envInt(lookup, "USEMU_DECIMATION", defaults.Scheme.Decimation), "Rx decimation factor")
	fs.Float64Var(&cfg.TriggerRate, "trigger-rate", envFloat(lookup, "USEMU_TRIGGER_RATE", defaults.TriggerRate), "Pacer trigger rate in Hz for manual and host modes (0 disables)")
	fs.IntVar(&cfg.SpectrumEvery, "spectrum-every", envInt(lookup, "USEMU_SPECTRUM_EVERY", defaults.SpectrumEvery), "Frames between spectrum snapshots (0 disables)")
	fs.Uint64Var(&cfg.MaxFrames, "max-frames", envUint(lookup, "USEMU_MAX_FRAMES", defaults.MaxFrames), "Exit after this many frames (0 runs until interrupted)")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", envInt(lookup, "USEMU_HISTORY_LIMIT", defaults.HistoryLimit), "Frame events kept in telemetry history")
	fs.StringVar(&cfg.WebAddr, "web-addr", envString(lookup, "USEMU_WEB_ADDR", defaults.WebAddr), "HTTP listen address (empty disables)")
	fs.BoolVar(&cfg.MDNS.Enabled, "mdns", envBool(lookup, "USEMU_MDNS", defaults.MDNS.Enabled), "Advertise over mDNS")
	fs.StringVar(&cfg.MDNS.Instance, "mdns-instance", envString(lookup, "USEMU_MDNS_INSTANCE", defaults.MDNS.Instance), "mDNS instance name")
	fs.StringVar(&cfg.Log.Level, "log-level", envString(lookup, "USEMU_LOG_LEVEL", defaults.Log.Level), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.Log.Format, "log-format", envString(lookup, "USEMU_LOG_FORMAT", defaults.Log.Format), "Log format (text|json)")
	fs.StringVar(&cfg.Log.File.Directory, "log-dir", envString(lookup, "USEMU_LOG_DIR", defaults.Log.File.Directory), "Directory for rotating log files (empty disables)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if fs.NArg() > 0 {
		return config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if cfg.Dataset == "" {
		return config{}, errors.New("dataset location is required")
	}
	return cfg, nil
}

// buildScheme turns the scheme section into an uploadable scheme. Unset geometry
// follows the recorded frame shape.
func buildScheme(cfg config) (ops.Scheme, error) {
	sc := cfg.Scheme
	mode, err := ops.ParseWorkMode(sc.Mode)
	if err != nil {
		return ops.Scheme{}, err
	}
	if sc.Ops <= 0 {
		return ops.Scheme{}, fmt.Errorf("scheme needs at least one op, got %d", sc.Ops)
	}
	channels := sc.RxChannels
	if channels == 0 {
		channels = cfg.FrameShape.Channels
	}
	if channels <= 0 || channels > ops.NumAddressableChannels {
		return ops.Scheme{}, fmt.Errorf("rx channels %d out of range", channels)
	}
	samples := sc.Samples
	if samples == 0 {
		samples = cfg.FrameShape.Samples
	}
	elements := min(max(cfg.Probe.NumElements, 1), ops.NumAddressableChannels)

	seq := make(ops.Sequence, sc.Ops)
	for i := range seq {
		seq[i] = ops.TxRx{
			TxAperture:   ops.MaskRange(0, elements),
			TxPulse:      ops.Pulse{CenterFrequency: sc.CenterFrequency, NPeriods: 2},
			RxAperture:   ops.MaskRange(0, channels),
			RxSamples:    ops.SampleRange{Begin: 0, End: samples},
			RxDecimation: sc.Decimation,
			PRI:          sc.PRI,
		}
	}
	scheme := ops.Scheme{
		Sequence:                seq,
		WorkMode:                mode,
		BufferDepth:             sc.BufferDepth,
		FrameRepetitionInterval: sc.FrameRepetitionInterval,
	}
	if sc.DDCDecimation > 0 {
		scheme.DDC = &ops.DigitalDownConversion{
			DemodulationFrequency: sc.DemodulationFrequency,
			DecimationFactor:      sc.DDCDecimation,
		}
	}
	return scheme, nil
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envUint(lookup func(string) (string, bool), key string, def uint64) uint64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
