package dgr

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	defaultEpisodePeriod         = 100 * time.Millisecond
	defaultMaxBacklog            = 524288
	defaultMinTimeout            = 2 * time.Second
	defaultMaxTimeout            = 60 * time.Second
	defaultInitialRetard         = 10 * time.Microsecond
	defaultMinPulseRate          = 150
	defaultClockResolution       = 10 * time.Millisecond
	defaultActivityResetEpisodes = 128
	defaultDuplicateWindow       = 2 * time.Minute
)

// Config holds the tunables of an access point. Open copies it, so changing
// a Config after Open has no effect on the running access point.
type Config struct {
	// 速率统计周期
	EpisodePeriod time.Duration `yaml:"episode_period"`
	// 未确认字节总量上限，超过后 Send 阻塞
	MaxBacklog int `yaml:"max_backlog"`
	// 重传超时范围
	MinTimeout time.Duration `yaml:"min_timeout"`
	MaxTimeout time.Duration `yaml:"max_timeout"`
	// 新目的地每字节的发送延迟
	InitialRetard time.Duration `yaml:"initial_retard"`
	// 最低发送速率，字节/秒
	MinPulseRate int `yaml:"min_pulse_rate"`
	// Send 睡眠的粒度
	ClockResolution time.Duration `yaml:"clock_resolution"`
	// 每隔多少个周期重排目的地活跃度
	ActivityResetEpisodes int `yaml:"activity_reset_episodes"`

	SuppressDuplicates bool          `yaml:"suppress_duplicates"`
	DuplicateWindow    time.Duration `yaml:"duplicate_window"`

	Logger *logrus.Logger `yaml:"-"`
}

// DefaultConfig returns the stock DGR tunables.
func DefaultConfig() *Config {
	return &Config{
		EpisodePeriod:         defaultEpisodePeriod,
		MaxBacklog:            defaultMaxBacklog,
		MinTimeout:            defaultMinTimeout,
		MaxTimeout:            defaultMaxTimeout,
		InitialRetard:         defaultInitialRetard,
		MinPulseRate:          defaultMinPulseRate,
		ClockResolution:       defaultClockResolution,
		ActivityResetEpisodes: defaultActivityResetEpisodes,
		DuplicateWindow:       defaultDuplicateWindow,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the tunables for values the rate controller cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.EpisodePeriod <= 0:
		return errors.New("config: episode_period must be positive")
	case c.MaxBacklog <= 0:
		return errors.New("config: max_backlog must be positive")
	case c.MinTimeout <= 0:
		return errors.New("config: min_timeout must be positive")
	case c.MaxTimeout < c.MinTimeout:
		return errors.New("config: max_timeout is below min_timeout")
	case c.InitialRetard <= 0:
		return errors.New("config: initial_retard must be positive")
	case c.MinPulseRate <= 0:
		return errors.New("config: min_pulse_rate must be positive")
	case c.minRate() == 0:
		return errors.New("config: min_pulse_rate is below one byte per episode_period")
	case c.ClockResolution <= 0:
		return errors.New("config: clock_resolution must be positive")
	case c.ActivityResetEpisodes <= 0:
		return errors.New("config: activity_reset_episodes must be positive")
	case c.SuppressDuplicates && c.DuplicateWindow <= 0:
		return errors.New("config: duplicate_window must be positive")
	}
	return nil
}

// minRate 每个周期的最低发送字节数
func (c *Config) minRate() int {
	return int(int64(c.MinPulseRate) * int64(c.EpisodePeriod) / int64(time.Second))
}

// initialBytesToTransmit 新目的地每个周期可发送的字节数
func (c *Config) initialBytesToTransmit() int {
	return int(c.EpisodePeriod / c.InitialRetard)
}

func (c *Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}
