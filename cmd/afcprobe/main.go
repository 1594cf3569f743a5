// afcprobe exercises the AFC handshake against a real adapter: pre-check,
// a 9 V request, an optional toggle back and forth, and a reset to 5 V.
// Each step prints its result and VBUS.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"powercore-go/drivers/afc"
	"powercore-go/drivers/bq2589x"
	"powercore-go/errcode"
	"powercore-go/services/config"
	"powercore-go/types"
	"powercore-go/x/timex"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "board file")
	board := flag.String("board", "reference", "embedded board used when the board file is missing")
	dataPin := flag.String("data", "", "AFC data pin (overrides the board file)")
	switchPin := flag.String("switch", "", "detection switch pin (overrides the board file)")
	toggles := flag.Int("toggle", 0, "extra 5V/9V round trips after the first request")
	keep := flag.Bool("keep", false, "leave the adapter at 9 V on exit")
	flag.Parse()

	if err := run(*configPath, *board, *dataPin, *switchPin, *toggles, *keep); err != nil {
		fmt.Fprintln(os.Stderr, "afcprobe:", err)
		os.Exit(1)
	}
}

func run(path, board, dataPin, switchPin string, toggles int, keep bool) error {
	cfg, err := config.Load(path, board)
	if err != nil {
		return err
	}
	if dataPin != "" {
		cfg.Hardware.AfcData = dataPin
	}
	if switchPin != "" {
		cfg.Hardware.AfcSwitch = switchPin
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if _, err := host.Init(); err != nil {
		return err
	}
	bus, err := i2creg.Open(cfg.Hardware.I2CBus)
	if err != nil {
		return err
	}
	defer bus.Close()

	clk := timex.Wall{}
	ic := bq2589x.New(bus, cfg.Hardware.ChargerIC, clk)
	if err := ic.Init(); err != nil {
		return fmt.Errorf("charger ic: %w", err)
	}
	data := gpioreg.ByName(cfg.Hardware.AfcData)
	if data == nil {
		return fmt.Errorf("no pin %q", cfg.Hardware.AfcData)
	}
	var sw afc.Switch = hardwired{}
	if cfg.Hardware.AfcSwitch != "" {
		p := gpioreg.ByName(cfg.Hardware.AfcSwitch)
		if p == nil {
			return fmt.Errorf("no pin %q", cfg.Hardware.AfcSwitch)
		}
		sw = p
	}
	s := afc.NewSession(cfg.AfcLink, data, sw, ic, clk)

	step := func(name string, err error) bool {
		v, verr := ic.VBus()
		vbus := "?"
		if verr == nil {
			vbus = fmt.Sprintf("%d.%03d V", v/1_000_000, v/1_000%1_000)
		}
		if err != nil {
			fmt.Printf("%-10s FAIL %-16s vbus %s (%v)\n", name, errcode.Of(err), vbus, err)
			return false
		}
		fmt.Printf("%-10s ok   %-16s vbus %s\n", name, "", vbus)
		return true
	}

	isDCP := func() bool {
		t, err := ic.ChargerType()
		return err == nil && t == types.ChargerDCP
	}
	res, err := s.PreCheck(ctx, isDCP)
	if !step("precheck", err) {
		return err
	}
	if res == afc.PreCheckStop {
		fmt.Println("adapter is not a DCP, stopping")
		return nil
	}
	fmt.Printf("origin     %d uV\n", s.Origin())

	keepGoing := func() bool { return ctx.Err() == nil }
	if err := s.SetTargetVoltage(ctx, afc.Volt9V, keepGoing); !step("9V", err) {
		step("reset", s.ResetTaVchr(ctx))
		return err
	}
	for i := 0; i < toggles && ctx.Err() == nil; i++ {
		step("5V", s.ResetTaVchr(ctx))
		time.Sleep(500 * time.Millisecond)
		step("9V", s.SetTargetVoltage(ctx, afc.Volt9V, keepGoing))
	}
	if !keep {
		step("reset", s.ResetTaVchr(ctx))
	}
	return s.Suspend()
}

type hardwired struct{}

func (hardwired) Out(gpio.Level) error { return nil }
