package charger

// Zone is a battery temperature band, coldest first.
type Zone uint8

const (
	ZoneBelowT0 Zone = iota
	ZoneT0T1
	ZoneT1T2
	ZoneT2T3
	ZoneT3T4
	ZoneAboveT4
	numZones
)

func (z Zone) String() string {
	switch z {
	case ZoneBelowT0:
		return "below_t0"
	case ZoneT0T1:
		return "t0_t1"
	case ZoneT1T2:
		return "t1_t2"
	case ZoneT2T3:
		return "t2_t3"
	case ZoneT3T4:
		return "t3_t4"
	case ZoneAboveT4:
		return "above_t4"
	default:
		return "invalid"
	}
}

// ZoneLimit is what a zone allows. FastCC applies while an AFC
// adapter is delivering high voltage.
type ZoneLimit struct {
	CV_uV     int `yaml:"cv"`
	CC_uA     int `yaml:"cc"`
	FastCC_uA int `yaml:"fast_cc"`
}

// JeitaConfig thresholds are degC. The Minus/Plus values are the
// recovery points used when leaving a harsher zone.
type JeitaConfig struct {
	T4      int `yaml:"t4"`
	T4Minus int `yaml:"t4_minus_x"`
	T3      int `yaml:"t3"`
	T3Minus int `yaml:"t3_minus_x"`
	T2      int `yaml:"t2"`
	T2Plus  int `yaml:"t2_plus_x"`
	T1      int `yaml:"t1"`
	T1Plus  int `yaml:"t1_plus_x"`
	T0      int `yaml:"t0"`
	T0Plus  int `yaml:"t0_plus_x"`

	Limits [numZones]ZoneLimit `yaml:"limits"`
}

func DefaultJeitaConfig() JeitaConfig {
	return JeitaConfig{
		T4: 50, T4Minus: 47,
		T3: 45, T3Minus: 39,
		T2: 10, T2Plus: 16,
		T1: 0, T1Plus: 6,
		T0: -10, T0Plus: 0,
		Limits: [numZones]ZoneLimit{
			ZoneBelowT0: {CV_uV: 4_040_000},
			ZoneT0T1:    {CV_uV: 4_040_000, CC_uA: 500_000, FastCC_uA: 500_000},
			ZoneT1T2:    {CV_uV: 4_340_000, CC_uA: 1_000_000, FastCC_uA: 1_500_000},
			ZoneT2T3:    {CV_uV: 4_340_000, CC_uA: 2_050_000, FastCC_uA: 3_000_000},
			ZoneT3T4:    {CV_uV: 4_240_000, CC_uA: 1_500_000, FastCC_uA: 1_500_000},
			ZoneAboveT4: {CV_uV: 4_240_000},
		},
	}
}

// JeitaState is the outcome of one update.
type JeitaState struct {
	Zone     Zone
	CV_uV    int
	CC_uA    int
	Charging bool
}

// Jeita tracks the zone across ticks; the hysteresis depends on the
// previous zone. Not safe for concurrent use.
type Jeita struct {
	cfg JeitaConfig
	sm  Zone
}

func NewJeita(cfg JeitaConfig) *Jeita {
	return &Jeita{cfg: cfg, sm: ZoneT2T3}
}

func (j *Jeita) Zone() Zone { return j.sm }

// Update moves the state machine for temp (degC). fast selects the
// zone's FastCC.
func (j *Jeita) Update(temp int, fast bool) JeitaState {
	c := &j.cfg
	charging := true

	switch {
	case temp >= c.T4:
		j.sm = ZoneAboveT4
		charging = false
	case temp > c.T3:
		if j.sm == ZoneAboveT4 && temp >= c.T4Minus {
			charging = false
		} else {
			j.sm = ZoneT3T4
		}
	case temp >= c.T2:
		held := (j.sm == ZoneT3T4 && temp >= c.T3Minus) ||
			(j.sm == ZoneT1T2 && temp <= c.T2Plus)
		if !held {
			j.sm = ZoneT2T3
		}
	case temp >= c.T1:
		if (j.sm == ZoneT0T1 || j.sm == ZoneBelowT0) && temp <= c.T1Plus {
			if j.sm == ZoneBelowT0 {
				charging = false
			}
		} else {
			j.sm = ZoneT1T2
		}
	case temp >= c.T0:
		if j.sm == ZoneBelowT0 && temp <= c.T0Plus {
			charging = false
		} else {
			j.sm = ZoneT0T1
		}
	default:
		j.sm = ZoneBelowT0
		charging = false
	}

	lim := c.Limits[j.sm]
	cc := lim.CC_uA
	if fast {
		cc = lim.FastCC_uA
	}
	return JeitaState{Zone: j.sm, CV_uV: lim.CV_uV, CC_uA: cc, Charging: charging}
}

// ThermalConfig is the plain min/max gate used when JEITA is off.
type ThermalConfig struct {
	MinEnabled bool `yaml:"enable_min_charge_temp"`
	Min        int  `yaml:"min_charge_temp"`
	MinPlus    int  `yaml:"min_charge_temp_plus_x"`
	Max        int  `yaml:"max_charge_temp"`
	MaxMinus   int  `yaml:"max_charge_temp_minus_x"`
}

func DefaultThermalConfig() ThermalConfig {
	return ThermalConfig{MinEnabled: true, Min: 0, MinPlus: 6, Max: 50, MaxMinus: 47}
}

type thermalSM uint8

const (
	thermalNormal thermalSM = iota
	thermalLow
	thermalHigh
)

type thermalGate struct {
	cfg ThermalConfig
	sm  thermalSM
}

// allow reports whether temp permits charging.
func (g *thermalGate) allow(temp int) bool {
	c := &g.cfg
	if c.MinEnabled {
		if temp < c.Min {
			g.sm = thermalLow
			return false
		}
		if g.sm == thermalLow {
			if temp < c.MinPlus {
				return false
			}
			g.sm = thermalNormal
		}
	}
	if temp >= c.Max {
		g.sm = thermalHigh
		return false
	}
	if g.sm == thermalHigh {
		if temp >= c.MaxMinus {
			return false
		}
		g.sm = thermalNormal
	}
	return true
}
