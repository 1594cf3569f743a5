// Package sampler polls integer sysfs attributes and republishes them
// retained on the bus: the GPU thermal zone feeds gpu/temp and the fuel
// gauge capacity feeds battery/soc.
package sampler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"powercore-go/bus"
	"powercore-go/errcode"
	"powercore-go/x/logx"
)

var topicConfigSampler = bus.T("config", "sampler")

// Source is one attribute. The published value is raw / Scale.
type Source struct {
	Path  string `yaml:"path"`
	Topic string `yaml:"topic"`
	Scale int    `yaml:"scale"`
}

type Config struct {
	Interval time.Duration `yaml:"interval"`
	Sources  []Source      `yaml:"sources"`

	Logf func(format string, args ...any) `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Interval: 2 * time.Second,
		Sources: []Source{
			{Path: "/sys/class/thermal/thermal_zone0/temp", Topic: "gpu/temp", Scale: 1000},
			{Path: "/sys/class/power_supply/battery/capacity", Topic: "battery/soc", Scale: 1},
		},
	}
}

func (c *Config) Fill() {
	if c.Interval <= 0 {
		c.Interval = DefaultConfig().Interval
	}
	for i := range c.Sources {
		if c.Sources[i].Scale == 0 {
			c.Sources[i].Scale = 1
		}
	}
	if c.Logf == nil {
		c.Logf = logx.Printf
	}
}

type Service struct {
	cfg  Config
	read func(path string) ([]byte, error)
	logf func(format string, args ...any)

	last   map[string]int
	failed map[string]bool
}

// New builds a sampler; read is normally os.ReadFile.
func New(cfg Config, read func(path string) ([]byte, error)) *Service {
	cfg.Fill()
	return &Service{
		cfg:    cfg,
		read:   read,
		logf:   cfg.Logf,
		last:   map[string]int{},
		failed: map[string]bool{},
	}
}

// Read parses one attribute.
func (s *Service) Read(src Source) (int, error) {
	b, err := s.read(src.Path)
	if err != nil {
		return 0, errcode.Wrap(errcode.IoError, "sampler.read", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, errcode.Wrap(errcode.InvalidPayload, "sampler.read", err)
	}
	if src.Scale > 1 {
		v /= src.Scale
	}
	return v, nil
}

// sample publishes every source whose value changed. A failing source is
// logged once until it recovers.
func (s *Service) sample(conn *bus.Connection) {
	for _, src := range s.cfg.Sources {
		v, err := s.Read(src)
		if err != nil {
			if !s.failed[src.Path] {
				s.logf("warning: sampler: %s: %v", src.Path, err)
				s.failed[src.Path] = true
			}
			continue
		}
		s.failed[src.Path] = false
		if old, ok := s.last[src.Topic]; ok && old == v {
			continue
		}
		s.last[src.Topic] = v
		conn.Publish(conn.NewMessage(topicOf(src.Topic), v, true))
	}
}

func topicOf(s string) bus.Topic {
	parts := strings.Split(s, "/")
	t := make(bus.Topic, len(parts))
	for i, p := range parts {
		t[i] = p
	}
	return t
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigSampler)
	defer conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(s.cfg.Interval)
	defer tick.Stop()

	s.sample(conn)
	for {
		select {
		case <-ctx.Done():
			s.logf("info: sampler: stopping")
			return
		case <-tick.C:
			s.sample(conn)
		case msg := <-cfgSub.Channel():
			c, ok := msg.Payload.(Config)
			if !ok || c.Interval <= 0 || c.Interval == s.cfg.Interval {
				continue
			}
			s.cfg.Interval = c.Interval
			tick.Reset(c.Interval)
			s.logf("info: sampler: interval set to %v", c.Interval)
		}
	}
}

// Start runs the sampling loop.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}
