// Package bq2589x drives the TI bq25890/bq25895 switch-mode charger over I2C.
package bq2589x

const (
	// 7-bit I2C address.
	AddressDefault = 0x6A

	regInput  = 0x00 // EN_HIZ, EN_ILIM, IINLIM[5:0]
	regADC    = 0x02 // CONV_START, CONV_RATE, ICO_EN, AUTO_DPDM_EN
	regSysCfg = 0x03 // WD_RST, CHG_CONFIG, SYS_MIN
	regICHG   = 0x04 // ICHG[6:0]
	regTerm   = 0x05 // IPRECHG[7:4], ITERM[3:0]
	regVREG   = 0x06 // VREG[7:2], BATLOWV, VRECHG
	regTimer  = 0x07 // EN_TERM, WATCHDOG[5:4], EN_TIMER
	regCtrl   = 0x09 // FORCE_ICO
	regStatus = 0x0B // VBUS_STAT[7:5], CHRG_STAT[4:3], PG_STAT
	regFault  = 0x0C
	regVINDPM = 0x0D // FORCE_VINDPM, VINDPM[6:0]
	regBATV   = 0x0E
	regTSPCT  = 0x10
	regVBUSV  = 0x11 // VBUS_GD, VBUSV[6:0]
	regICHGR  = 0x12
	regIDPM   = 0x13 // VDPM_STAT, IDPM_STAT, IDPM_LIM[5:0]
	regDevice = 0x14 // REG_RST, ICO_OPTIMIZED, PN[5:3]
	regCount  = 0x15
)

// ---------------- bits ----------------

const (
	bitHiZ         = 1 << 7
	bitEnILIM      = 1 << 6
	bitConvStart   = 1 << 7
	bitConvRate    = 1 << 6
	bitICOEn       = 1 << 4
	bitChgConfig   = 1 << 4
	bitWdRst       = 1 << 6
	bitEnTerm      = 1 << 7
	maskWatchdog   = 0x30
	bitForceICO    = 1 << 7
	bitForceVINDPM = 1 << 7
	bitPG          = 1 << 2
	bitVBusGood    = 1 << 7
	bitICOOptimize = 1 << 6
	bitThermStat   = 1 << 7
)

// VBUS_STAT values (REG0B[7:5]).
const (
	vbusNone     = 0
	vbusSDP      = 1
	vbusCDP      = 2
	vbusDCP      = 3
	vbusHVDCP    = 4
	vbusUnknown  = 5
	vbusNonStd   = 6
	vbusOTG      = 7
	chrgStatDone = 3
)

// Fault bits (REG0C).
type Fault uint8

const (
	FaultWatchdog Fault = 1 << 7
	FaultBoost    Fault = 1 << 6
	FaultChrgMask Fault = 3 << 4 // 01 input, 10 thermal, 11 safety timer
	FaultBat      Fault = 1 << 3
	FaultNTCMask  Fault = 7
)

func (f Fault) Has(flag Fault) bool { return f&flag != 0 }

// SafetyTimerExpired reports CHRG_FAULT == 11.
func (f Fault) SafetyTimerExpired() bool { return f&FaultChrgMask == FaultChrgMask }

// InputFault reports CHRG_FAULT == 01 (VBUS OVP or poor source).
func (f Fault) InputFault() bool { return f&FaultChrgMask == 1<<4 }
