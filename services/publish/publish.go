// Package publish mirrors bus traffic into redis: every message on a
// watched topic becomes a field of one hash and a PUBLISH on a channel
// named after the topic.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"powercore-go/bus"
	"powercore-go/x/logx"
	"powercore-go/x/timex"

	"github.com/garyburd/redigo/redis"
	"github.com/jpillora/backoff"
)

const (
	rdtimeout = 500 * time.Millisecond
	wrtimeout = 500 * time.Millisecond
)

// Conn is the subset of redis.Conn the publisher pipelines through.
type Conn interface {
	Send(cmd string, args ...any) error
	Do(cmd string, args ...any) (any, error)
	Close() error
}

type Config struct {
	Addr   string   `yaml:"addr"` // host:port, empty disables the publisher
	Hash   string   `yaml:"hash"`
	Topics []string `yaml:"topics"` // bus patterns, '/' separated

	BackoffMin time.Duration `yaml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max"`

	Logf func(format string, args ...any) `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Hash:       "powercore",
		Topics:     []string{"charger/#", "gpu/#"},
		BackoffMin: 500 * time.Millisecond,
		BackoffMax: 30 * time.Second,
	}
}

// Fill replaces unset fields with their defaults.
func (c *Config) Fill() {
	d := DefaultConfig()
	if c.Hash == "" {
		c.Hash = d.Hash
	}
	if len(c.Topics) == 0 {
		c.Topics = d.Topics
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = d.BackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = d.BackoffMax
	}
	if c.Logf == nil {
		c.Logf = logx.Printf
	}
}

type Publisher struct {
	cfg  Config
	dial func() (Conn, error)
	logf func(format string, args ...any)

	rc      Conn
	bo      *backoff.Backoff
	pending map[string]string // field -> latest value, flushed in topic order
	order   []string
	sent    int
}

// New builds a publisher. A nil dial connects over TCP to cfg.Addr.
func New(cfg Config, dial func() (Conn, error)) *Publisher {
	cfg.Fill()
	p := &Publisher{
		cfg:     cfg,
		dial:    dial,
		logf:    cfg.Logf,
		bo:      &backoff.Backoff{Min: cfg.BackoffMin, Max: cfg.BackoffMax, Factor: 2, Jitter: true},
		pending: map[string]string{},
	}
	if p.dial == nil {
		p.dial = func() (Conn, error) {
			return redis.Dial("tcp", cfg.Addr,
				redis.DialConnectTimeout(time.Second),
				redis.DialReadTimeout(rdtimeout),
				redis.DialWriteTimeout(wrtimeout))
		}
	}
	return p
}

// Enabled reports whether there is anywhere to publish to.
func (p *Publisher) Enabled() bool { return p.cfg.Addr != "" }

// Start subscribes to the configured topics and runs the forwarding loop.
// It returns immediately when no address is configured.
func (p *Publisher) Start(ctx context.Context, conn *bus.Connection) error {
	if !p.Enabled() {
		p.logf("info: publish: no redis address, disabled")
		return nil
	}
	in := make(chan *bus.Message, 32)
	for _, t := range p.cfg.Topics {
		sub := conn.Subscribe(ParseTopic(t))
		go func() {
			defer conn.Unsubscribe(sub)
			for {
				select {
				case <-ctx.Done():
					return
				case m := <-sub.Channel():
					select {
					case in <- m:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	go p.serviceLoop(ctx, in)
	return nil
}

func (p *Publisher) serviceLoop(ctx context.Context, in <-chan *bus.Message) {
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()
	defer p.close()

	for {
		select {
		case <-ctx.Done():
			p.logf("info: publish: stopping")
			return
		case m := <-in:
			p.queue(m)
		drain:
			for n := 1; n < 64; n++ {
				select {
				case m = <-in:
					p.queue(m)
				default:
					break drain
				}
			}
			if err := p.flush(); err != nil {
				timex.ResetTimer(retry, p.bo.Duration())
			}
		case <-retry.C:
			if err := p.flush(); err != nil {
				timex.ResetTimer(retry, p.bo.Duration())
			}
		}
	}
}

// queue keeps only the newest value per field until the next flush.
func (p *Publisher) queue(m *bus.Message) {
	field := TopicString(m.Topic)
	v, err := Format(m.Payload)
	if err != nil {
		p.logf("warning: publish: %s: %v", field, err)
		return
	}
	if _, ok := p.pending[field]; !ok {
		p.order = append(p.order, field)
	}
	p.pending[field] = v
}

// flush pipelines HSET and PUBLISH for every pending field. On failure the
// connection is dropped and the fields stay pending for the next attempt.
func (p *Publisher) flush() error {
	if len(p.order) == 0 {
		return nil
	}
	if p.rc == nil {
		rc, err := p.dial()
		if err != nil {
			p.logf("warning: publish: dial %s: %v", p.cfg.Addr, err)
			return err
		}
		p.rc = rc
		p.logf("info: publish: connected to %s", p.cfg.Addr)
	}
	for _, f := range p.order {
		v := p.pending[f]
		p.rc.Send("HSET", p.cfg.Hash, f, v)
		p.rc.Send("PUBLISH", p.cfg.Hash+"."+f, v)
	}
	if _, err := p.rc.Do(""); err != nil {
		p.logf("warning: publish: %v", err)
		p.close()
		return err
	}
	p.sent += len(p.order)
	p.order = p.order[:0]
	clear(p.pending)
	p.bo.Reset()
	return nil
}

func (p *Publisher) close() {
	if p.rc != nil {
		p.rc.Close()
		p.rc = nil
	}
}

// ParseTopic splits a '/' separated pattern into bus tokens.
func ParseTopic(s string) bus.Topic {
	parts := strings.Split(s, "/")
	t := make(bus.Topic, len(parts))
	for i, p := range parts {
		t[i] = p
	}
	return t
}

// TopicString joins topic tokens with '/'.
func TopicString(t bus.Topic) string {
	var sb strings.Builder
	for i, tok := range t {
		if i > 0 {
			sb.WriteByte('/')
		}
		fmt.Fprint(&sb, tok)
	}
	return sb.String()
}

// Format renders a payload as a redis value: scalars as text, everything
// else as JSON.
func Format(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
