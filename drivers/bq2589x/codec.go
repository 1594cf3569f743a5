package bq2589x

import "powercore-go/x/mathx"

// Register field scales, micro-units.
const (
	iinlimMin_uA  = 100_000
	iinlimStep_uA = 50_000
	iinlimMax     = 0x3F

	ichgStep_uA = 64_000
	ichgMax     = 0x4F // 5056 mA

	vregMin_uV  = 3_840_000
	vregStep_uV = 16_000
	vregMax     = 0x30 // 4608 mV

	vindpmOffset_uV = 2_600_000
	vindpmStep_uV   = 100_000
	vindpmMin       = 0x0D // 3.9 V
	vindpmMax       = 0x7F

	batvMin_uV  = 2_304_000
	batvStep_uV = 20_000

	vbusvMin_uV  = 2_600_000
	vbusvStep_uV = 100_000

	ichgrStep_uA = 50_000

	idpmMin_uA  = 100_000
	idpmStep_uA = 50_000

	tspctMin_pm  = 210 // 21.0 %
	tspctStep_um = 465 // 0.465 % in 1/100000
)

// Encoders round down so a limit is never exceeded.

func iinlimCode(uA int) uint8 {
	if uA < iinlimMin_uA {
		return 0
	}
	return uint8(mathx.Min((uA-iinlimMin_uA)/iinlimStep_uA, iinlimMax))
}

func iinlimValue(code uint8) int { return iinlimMin_uA + int(code&iinlimMax)*iinlimStep_uA }

func ichgCode(uA int) uint8 {
	return uint8(mathx.Clamp(uA/ichgStep_uA, 0, ichgMax))
}

func ichgValue(code uint8) int { return int(code&0x7F) * ichgStep_uA }

func vregCode(uV int) uint8 {
	return uint8(mathx.Clamp((uV-vregMin_uV)/vregStep_uV, 0, vregMax))
}

func vregValue(code uint8) int { return vregMin_uV + int(code)*vregStep_uV }

// vindpmCode rounds up: the regulation floor must not drop below request.
func vindpmCode(uV int) uint8 {
	c := mathx.CeilDiv(mathx.Max(uV-vindpmOffset_uV, 0), vindpmStep_uV)
	return uint8(mathx.Clamp(c, vindpmMin, vindpmMax))
}

func vindpmValue(code uint8) int { return vindpmOffset_uV + int(code&0x7F)*vindpmStep_uV }

func batvValue(raw uint8) int { return batvMin_uV + int(raw&0x7F)*batvStep_uV }

func vbusValue(raw uint8) int {
	if raw&0x7F == 0 {
		return 0
	}
	return vbusvMin_uV + int(raw&0x7F)*vbusvStep_uV
}

func ichgrValue(raw uint8) int { return int(raw&0x7F) * ichgrStep_uA }

func idpmValue(raw uint8) int { return idpmMin_uA + int(raw&0x3F)*idpmStep_uA }

// tsPermille converts TSPCT to REGN ratio in 0.1 %.
func tsPermille(raw uint8) int {
	return tspctMin_pm + int(raw&0x7F)*tspctStep_um/1000
}
