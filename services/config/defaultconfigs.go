package config

import "powercore-go/drivers/vbuck"

// -----------------------------------------------------------------------------
// Board defaults
//
// The MFG window and pin names of the reference board. A board file only
// needs the keys that differ.
// -----------------------------------------------------------------------------

const (
	mfgBaseDefault   = 0x13fb_f000
	mfgSizeDefault   = 0x2000
	afcDataDefault   = "GPIO17"
	afcSwitchDefault = "GPIO27"
)

func stackBuckDefault() vbuck.Config {
	c := vbuck.DefaultConfig()
	c.Address = vbuck.AddressDefault + 1
	return c
}

// EmbeddedConfigLookup resolves the built-in board used when no board file
// is installed.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

const cfgReference = `
charger:
  enable_dynamic_mivr: true
  enable_sw_jeita: true
  store_mode_soc_min: 60
  store_mode_soc_max: 70
afc:
  start_soc: 0
  stop_soc: 85
gpu:
  init_oppidx: -1
  gpm3: true
publish:
  addr: ""
`

// The dual-charger board splits the input across two ICs and runs the
// STACK rail in active-sleep.
const cfgDual = `
hardware:
  charger_ic2_address: 0x6b
charger:
  dual_charger: true
  ac_charger_current: 3000000
gpu:
  active_sleep: true
`

var embeddedConfigs = map[string][]byte{
	"reference": []byte(cfgReference),
	"dual":      []byte(cfgDual),
}
