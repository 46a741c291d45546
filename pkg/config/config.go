// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

type HistoryMode string

const (
	generatedCLIFlagUsage = "generated"
	envVarPrefix          = "LIVEKIT_PACER_"

	HistoryModeDisabled               HistoryMode = "disabled"
	HistoryModeStoreAndCull           HistoryMode = "store_and_cull"
	HistoryModeStoreForBestEffortRetx HistoryMode = "store_for_best_effort"

	DefaultHistoryNumberToStore = 600
	MaxHistoryNumberToStore     = 9600
)

var (
	ErrUnknownHistoryMode    = errors.New("unknown history mode")
	ErrInvalidNumberToStore  = errors.New("history number to store out of range")
	ErrInvalidMinPacketLimit = errors.New("min packet limit must be positive")
	ErrInvalidSimulation     = errors.New("invalid simulation config")

	durationType = reflect.TypeOf(time.Duration(0))
)

type Config struct {
	PrometheusPort uint32           `yaml:"prometheus_port,omitempty"`
	Logging        LoggingConfig    `yaml:"logging,omitempty"`
	Pacer          PacerConfig      `yaml:"pacer,omitempty"`
	History        HistoryConfig    `yaml:"history,omitempty"`
	Simulation     SimulationConfig `yaml:"simulation,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type PacerConfig struct {
	// interval between two process passes when nothing else is scheduled
	MinPacketLimit time.Duration `yaml:"min_packet_limit,omitempty"`
	// raise the pacing rate so that the average queued packet leaves within QueueTimeLimit
	DrainLargeQueues bool `yaml:"drain_large_queues,omitempty"`
	// send keepalive padding when nothing has been sent for a while, even if not paused or congested
	SendPaddingIfSilent bool `yaml:"send_padding_if_silent,omitempty"`
	// audio bypasses the media budget unless set
	PaceAudio bool `yaml:"pace_audio,omitempty"`
	// audio consumes media budget when set
	AccountForAudio bool          `yaml:"account_for_audio,omitempty"`
	QueueTimeLimit  time.Duration `yaml:"queue_time_limit,omitempty"`
	ProbingEnabled  bool          `yaml:"probing_enabled,omitempty"`
}

type HistoryConfig struct {
	Mode          HistoryMode `yaml:"mode,omitempty"`
	NumberToStore int         `yaml:"number_to_store,omitempty"`
}

// SimulationConfig drives the synthetic sender of the binary.
type SimulationConfig struct {
	Streams          int           `yaml:"streams,omitempty"`
	VideoBitrateBps  int64         `yaml:"video_bitrate_bps,omitempty"`
	FrameRate        int           `yaml:"frame_rate,omitempty"`
	Audio            bool          `yaml:"audio,omitempty"`
	PacingFactor     float64       `yaml:"pacing_factor,omitempty"`
	PaddingRateBps   int64         `yaml:"padding_rate_bps,omitempty"`
	ProbeBitrateBps  int64         `yaml:"probe_bitrate_bps,omitempty"`
	CongestionWindow int64         `yaml:"congestion_window,omitempty"`
	LossRate         float64       `yaml:"loss_rate,omitempty"`
	RTT              time.Duration `yaml:"rtt,omitempty"`
	Duration         time.Duration `yaml:"duration,omitempty"`
	StatsInterval    time.Duration `yaml:"stats_interval,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

var DefaultConfig = Config{
	Pacer: PacerConfig{
		MinPacketLimit:   5 * time.Millisecond,
		DrainLargeQueues: true,
		QueueTimeLimit:   2 * time.Second,
		ProbingEnabled:   true,
	},
	History: HistoryConfig{
		Mode:          HistoryModeStoreAndCull,
		NumberToStore: DefaultHistoryNumberToStore,
	},
	Simulation: SimulationConfig{
		Streams:         1,
		VideoBitrateBps: 1_000_000,
		FrameRate:       30,
		Audio:           true,
		PacingFactor:    2.5,
		RTT:             50 * time.Millisecond,
		Duration:        10 * time.Second,
		StatsInterval:   time.Second,
	},
	Logging: LoggingConfig{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Logging.PionLevel != "" {
		if conf.Logging.ComponentLevels == nil {
			conf.Logging.ComponentLevels = map[string]string{}
		}
		conf.Logging.ComponentLevels["transport.pion"] = conf.Logging.PionLevel
		conf.Logging.ComponentLevels["pion"] = conf.Logging.PionLevel
	}

	return &conf, nil
}

func (conf *Config) Validate() error {
	if conf.Pacer.MinPacketLimit <= 0 {
		return ErrInvalidMinPacketLimit
	}

	switch conf.History.Mode {
	case HistoryModeDisabled, HistoryModeStoreAndCull, HistoryModeStoreForBestEffortRetx:
	default:
		return errors.Wrapf(ErrUnknownHistoryMode, "mode: %s", conf.History.Mode)
	}
	if conf.History.NumberToStore < 0 || conf.History.NumberToStore > MaxHistoryNumberToStore {
		return errors.Wrapf(ErrInvalidNumberToStore, "number: %d, max: %d", conf.History.NumberToStore, MaxHistoryNumberToStore)
	}

	sim := conf.Simulation
	if sim.Streams < 1 || sim.FrameRate < 1 || sim.VideoBitrateBps <= 0 || sim.PacingFactor <= 0 {
		return errors.Wrapf(
			ErrInvalidSimulation,
			"streams: %d, frameRate: %d, videoBitrateBps: %d, pacingFactor: %.2f",
			sim.Streams, sim.FrameRate, sim.VideoBitrateBps, sim.PacingFactor,
		)
	}
	if sim.LossRate < 0 || sim.LossRate >= 1 {
		return errors.Wrapf(ErrInvalidSimulation, "lossRate: %.2f", sim.LossRate)
	}
	return nil
}

// configField is a leaf config value addressed by its dotted yaml path.
type configField struct {
	path  string
	value reflect.Value
}

// flagKind binds a config value type to the cli flag that carries it.
type flagKind struct {
	newFlag func(name string, envVars []string, hidden bool) cli.Flag
	set     func(c *cli.Context, name string, v reflect.Value)
}

var (
	durationFlagKind = flagKind{
		newFlag: func(name string, envVars []string, hidden bool) cli.Flag {
			return &cli.DurationFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		},
		set: func(c *cli.Context, name string, v reflect.Value) { v.SetInt(int64(c.Duration(name))) },
	}

	boolFlagKind = flagKind{
		newFlag: func(name string, envVars []string, hidden bool) cli.Flag {
			return &cli.BoolFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		},
		set: func(c *cli.Context, name string, v reflect.Value) { v.SetBool(c.Bool(name)) },
	}

	stringFlagKind = flagKind{
		newFlag: func(name string, envVars []string, hidden bool) cli.Flag {
			return &cli.StringFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		},
		set: func(c *cli.Context, name string, v reflect.Value) { v.SetString(c.String(name)) },
	}

	intFlagKind = flagKind{
		newFlag: func(name string, envVars []string, hidden bool) cli.Flag {
			return &cli.IntFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		},
		set: setInt,
	}

	int64FlagKind = flagKind{
		newFlag: func(name string, envVars []string, hidden bool) cli.Flag {
			return &cli.Int64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		},
		set: setInt,
	}

	uintFlagKind = flagKind{
		newFlag: func(name string, envVars []string, hidden bool) cli.Flag {
			return &cli.UintFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		},
		set: setUint,
	}

	uint64FlagKind = flagKind{
		newFlag: func(name string, envVars []string, hidden bool) cli.Flag {
			return &cli.Uint64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		},
		set: setUint,
	}

	floatFlagKind = flagKind{
		newFlag: func(name string, envVars []string, hidden bool) cli.Flag {
			return &cli.Float64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		},
		set: func(c *cli.Context, name string, v reflect.Value) { v.SetFloat(c.Float64(name)) },
	}

	flagKinds = map[reflect.Kind]flagKind{
		reflect.Bool:    boolFlagKind,
		reflect.String:  stringFlagKind,
		reflect.Int:     intFlagKind,
		reflect.Int32:   intFlagKind,
		reflect.Int64:   int64FlagKind,
		reflect.Uint8:   uintFlagKind,
		reflect.Uint16:  uintFlagKind,
		reflect.Uint32:  uintFlagKind,
		reflect.Uint64:  uint64FlagKind,
		reflect.Float32: floatFlagKind,
		reflect.Float64: floatFlagKind,
	}
)

func setInt(c *cli.Context, name string, v reflect.Value) { v.SetInt(c.Int64(name)) }
func setUint(c *cli.Context, name string, v reflect.Value) { v.SetUint(c.Uint64(name)) }

func lookupFlagKind(t reflect.Type) (flagKind, bool) {
	if t == durationType {
		return durationFlagKind, true
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	kind, ok := flagKinds[t.Kind()]
	return kind, ok
}

// envVarFor maps pacer.queue_time_limit to LIVEKIT_PACER_PACER_QUEUE_TIME_LIMIT.
func envVarFor(path string) string {
	return envVarPrefix + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

// collectFields walks v depth first. Inline structs share the path of their parent.
func collectFields(v reflect.Value, prefix string, skip map[string]bool, fields []configField) []configField {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}

		name, opts, _ := strings.Cut(sf.Tag.Get("yaml"), ",")
		path := name
		switch {
		case name == "-":
			continue
		case slices.Contains(strings.Split(opts, ","), "inline"):
			if prefix == "" {
				continue
			}
			path = prefix
		case name == "":
			continue
		case prefix != "":
			path = prefix + "." + name
		}
		if skip[path] {
			continue
		}

		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			fields = collectFields(fv, path, skip, fields)
		} else {
			fields = append(fields, configField{path: path, value: fv})
		}
	}
	return fields
}

// cliFields lists every config value addressable by a generated flag, leaving out names taken by baseFlags.
func (conf *Config) cliFields(baseFlags []cli.Flag) []configField {
	taken := map[string]bool{}
	for _, flag := range baseFlags {
		for _, name := range flag.Names() {
			taken[name] = true
		}
	}
	return collectFields(reflect.ValueOf(conf).Elem(), "", taken, nil)
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	var blank Config
	var flags []cli.Flag
	for _, field := range blank.cliFields(existingFlags) {
		kind, ok := lookupFlagKind(field.value.Type())
		if !ok {
			switch field.value.Kind() {
			case reflect.Slice, reflect.Map:
				// yaml only, e.g. component log levels
				continue
			}
			return flags, errors.Errorf("cli flag generation unsupported for %s of kind %s", field.path, field.value.Kind())
		}
		flags = append(flags, kind.newFlag(field.path, []string{envVarFor(field.path)}, hidden))
	}
	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	for _, field := range conf.cliFields(baseFlags) {
		if !c.IsSet(field.path) {
			continue
		}
		kind, ok := lookupFlagKind(field.value.Type())
		if !ok {
			return errors.Errorf("unsupported generated cli flag %s of kind %s", field.path, field.value.Kind())
		}

		v := field.value
		if v.Kind() == reflect.Pointer {
			v.Set(reflect.New(v.Type().Elem()))
			v = v.Elem()
		}
		kind.set(c, field.path, v)
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	return nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "livekit-pacer")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(&config.Config, "livekit-pacer")
}
