// powercored runs the charger policy, the GPU DVFS engine and the status
// publisher on one board.
//
// Usage:
//
//	powercored [-config /etc/powercore/board.yaml] [-board reference] [-redis host:port]
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"powercore-go/bus"
	"powercore-go/drivers/afc"
	"powercore-go/drivers/bq2589x"
	"powercore-go/drivers/mfgsys"
	"powercore-go/drivers/vbuck"
	"powercore-go/services/charger"
	"powercore-go/services/config"
	"powercore-go/services/gpufreq"
	"powercore-go/services/publish"
	"powercore-go/services/sampler"
	"powercore-go/x/mmio"
	"powercore-go/x/timex"

	"github.com/platinasystems/log"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "board file")
	board := flag.String("board", "reference", "embedded board used when the board file is missing")
	redisAddr := flag.String("redis", "", "redis address (overrides the board file)")
	noGPU := flag.Bool("no-gpu", false, "leave the GPU rails alone")
	flag.Parse()

	cfg, err := config.Load(*configPath, *board)
	if err != nil {
		log.Print("daemon", "err", err)
		os.Exit(1)
	}
	if *redisAddr != "" {
		cfg.Publish.Addr = *redisAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Print("daemon", "note", sig, ", shutting down")
		cancel()
	}()

	if _, err := host.Init(); err != nil {
		log.Print("daemon", "err", "periph host: ", err)
		os.Exit(1)
	}
	i2cBus, err := i2creg.Open(cfg.Hardware.I2CBus)
	if err != nil {
		log.Print("daemon", "err", "i2c ", cfg.Hardware.I2CBus, ": ", err)
		os.Exit(1)
	}
	defer i2cBus.Close()

	b := bus.NewBus(16)
	if err := config.NewConfigService(cfg, nil).Start(ctx, b.NewConnection("config")); err != nil {
		log.Print("daemon", "err", err)
		os.Exit(1)
	}

	if err := startCharger(ctx, b, cfg, i2cBus); err != nil {
		log.Print("daemon", "err", "charger: ", err)
		os.Exit(1)
	}

	if !*noGPU {
		eng, err := startGPU(ctx, b, cfg, i2cBus)
		if err != nil {
			log.Print("daemon", "err", "gpufreq: ", err)
			os.Exit(1)
		}
		defer eng.Close()
	}

	samp := sampler.New(cfg.Sampler, os.ReadFile)
	if err := samp.Start(ctx, b.NewConnection("sampler")); err != nil {
		log.Print("daemon", "warn", "sampler: ", err)
	}
	pub := publish.New(cfg.Publish, nil)
	if err := pub.Start(ctx, b.NewConnection("publish")); err != nil {
		log.Print("daemon", "warn", "publish: ", err)
	}

	log.Print("daemon", "info", "powercored running")
	<-ctx.Done()
}

func startCharger(ctx context.Context, b *bus.Bus, cfg config.Board, i2cBus i2c.Bus) error {
	clk := timex.Wall{}
	ic := bq2589x.New(i2cBus, cfg.Hardware.ChargerIC, clk)
	if err := ic.Init(); err != nil {
		return err
	}
	var ic2 charger.IC
	if addr := cfg.Hardware.ChargerIC2; addr != 0 {
		c2 := cfg.Hardware.ChargerIC
		c2.Address = addr
		d := bq2589x.New(i2cBus, c2, clk)
		if err := d.Init(); err != nil {
			return err
		}
		ic2 = d
	}

	// A board without the AFC pins still charges; the algorithm reports
	// its init failure and is dropped.
	var neg charger.Negotiator
	if data := gpioreg.ByName(cfg.Hardware.AfcData); data != nil {
		var sw afc.Switch
		if cfg.Hardware.AfcSwitch != "" {
			if p := gpioreg.ByName(cfg.Hardware.AfcSwitch); p != nil {
				sw = p
			}
		}
		if sw == nil {
			sw = noSwitch{}
		}
		neg = afc.NewSession(cfg.AfcLink, data, sw, ic, clk)
	} else {
		log.Print("daemon", "warn", "afc data pin ", cfg.Hardware.AfcData, " not found")
	}

	ac := cfg.AFC
	ac.Logf = cfg.Charger.Logf
	algos := []charger.Algorithm{charger.NewAfc(ac, neg, ic, clk)}
	svc := charger.New(cfg.Charger, ic, ic2, algos, clk)
	return svc.Start(ctx, b.NewConnection("charger"))
}

// noSwitch stands in for a hard-wired detection path.
type noSwitch struct{}

func (noSwitch) Out(gpio.Level) error { return nil }

func startGPU(ctx context.Context, b *bus.Bus, cfg config.Board, i2cBus i2c.Bus) (*gpufreq.Engine, error) {
	clk := timex.Wall{}
	win, err := mmio.Map(cfg.Hardware.MFGBase, cfg.Hardware.MFGSize)
	if err != nil {
		return nil, err
	}
	mfg := mfgsys.New(win, clk)
	vgpu := vbuck.New(i2cBus, cfg.Hardware.GPUBuck)
	vstack := vbuck.New(i2cBus, cfg.Hardware.StackBuck)
	for _, r := range []*vbuck.Device{vgpu, vstack} {
		if _, err := r.Probe(); err != nil {
			win.Close()
			return nil, err
		}
	}

	eng, err := gpufreq.New(cfg.GPU, vgpu, vstack, mfg, clk)
	if err != nil {
		win.Close()
		return nil, err
	}
	if err := eng.Init(ctx); err != nil {
		eng.Close()
		win.Close()
		return nil, err
	}
	if err := eng.Start(ctx, b.NewConnection("gpufreq")); err != nil {
		eng.Close()
		win.Close()
		return nil, err
	}
	return eng, nil
}
