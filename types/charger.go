package types

// ------------------------
// Charger / AFC
// ------------------------

// ChargerType is the BC1.2 (and proprietary) detection result.
type ChargerType uint8

const (
	ChargerUnknown ChargerType = iota
	ChargerUSB                 // SDP
	ChargerCDP
	ChargerDCP
	ChargerFloat // non-standard / unknown adapter
	ChargerHVDCP
)

func (t ChargerType) String() string {
	switch t {
	case ChargerUSB:
		return "usb"
	case ChargerCDP:
		return "cdp"
	case ChargerDCP:
		return "dcp"
	case ChargerFloat:
		return "float"
	case ChargerHVDCP:
		return "hvdcp"
	default:
		return "unknown"
	}
}

// ChargerEvent is delivered to algorithms and the charger IC driver.
type ChargerEvent uint8

const (
	EventPlugIn ChargerEvent = iota + 1
	EventPlugOut
	EventFull
	EventRecharge
	EventDischarge
	EventHVDisable
)

func (e ChargerEvent) String() string {
	switch e {
	case EventPlugIn:
		return "plug_in"
	case EventPlugOut:
		return "plug_out"
	case EventFull:
		return "full"
	case EventRecharge:
		return "recharge"
	case EventDischarge:
		return "discharge"
	case EventHVDisable:
		return "hv_disable"
	default:
		return "unknown"
	}
}

// ChargeLimitSetting is the per-charger-IC decision of one tick.
// Index 0 is CHG1, index 1 is CHG2 (series dual charger).
type ChargeLimitSetting struct {
	InputCurrentLimit1_uA    int `json:"input_current_limit1_uA" cbor:"1,keyasint"`
	InputCurrentLimit2_uA    int `json:"input_current_limit2_uA" cbor:"2,keyasint"`
	ChargingCurrentLimit1_uA int `json:"charging_current_limit1_uA" cbor:"3,keyasint"`
	ChargingCurrentLimit2_uA int `json:"charging_current_limit2_uA" cbor:"4,keyasint"`
	ConstantVoltage_uV       int `json:"constant_voltage_uV" cbor:"5,keyasint"`
}

// AfcState mirrors the algorithm state machine.
type AfcState uint8

const (
	AfcHwUninit AfcState = iota
	AfcHwFail
	AfcHwReady
	AfcRun
	AfcTuning
	AfcPostCC
	AfcTaNotSupported
)

func (s AfcState) String() string {
	switch s {
	case AfcHwUninit:
		return "hw_uninit"
	case AfcHwFail:
		return "hw_fail"
	case AfcHwReady:
		return "hw_ready"
	case AfcRun:
		return "run"
	case AfcTuning:
		return "tuning"
	case AfcPostCC:
		return "postcc"
	case AfcTaNotSupported:
		return "ta_not_support"
	default:
		return "invalid"
	}
}

// Retained value: charger/status
type ChargerStatus struct {
	Online       bool               `json:"online"`
	Type         string             `json:"type"`
	VBus_uV      int                `json:"vbus_uV"`
	VBat_uV      int                `json:"vbat_uV"`
	IBat_uA      int                `json:"ibat_uA"`
	TempC        int                `json:"temp_c"`
	SOC          int                `json:"soc"`
	JeitaZone    string             `json:"jeita_zone"`
	CanCharge    bool               `json:"can_charge"`
	Enabled      bool               `json:"enabled"`
	Done         bool               `json:"done"`
	Setting      ChargeLimitSetting `json:"setting"`
	Algo         string             `json:"algo"` // "basic" or the running algorithm
	AfcState     string             `json:"afc_state"`
	AfcResult    string             `json:"afc_result"`
	HVDisabled   bool               `json:"hv_disabled"`
	InputSuspend bool               `json:"input_suspend"`
	StoreMode    bool               `json:"store_mode"`
	BattProtect  bool               `json:"batt_protect"`
}

// Property names accepted on charger/ctrl/<prop>.
type ChargerProp string

const (
	PropHVDisable       ChargerProp = "hv_disable"
	PropAfcResult       ChargerProp = "afc_result"
	PropInputSuspend    ChargerProp = "input_suspend"
	PropBattProtect     ChargerProp = "batt_protect_enable"
	PropStoreMode       ChargerProp = "store_mode"
	PropThermalCharging ChargerProp = "thermal_charging_current_limit"
	PropThermalInput    ChargerProp = "thermal_input_current_limit"
	PropVoltageMax      ChargerProp = "voltage_max"
	PropAfcToggle       ChargerProp = "afc_toggle"
	PropUSBUnlimited    ChargerProp = "usb_unlimited"
	PropWaterDetected   ChargerProp = "water_detected"
	PropDischarging     ChargerProp = "cmd_discharging"
	PropCapacity        ChargerProp = "capacity"
)

// ChargerCtrl is the payload of a charger/ctrl request.
// Index selects CHG1/CHG2 for per-charger thermal limits.
type ChargerCtrl struct {
	Value int `json:"value"`
	Index int `json:"index,omitempty"`
}

// ChargerReply answers a charger/ctrl request.
type ChargerReply struct {
	OK    bool   `json:"ok"`
	Value int    `json:"value"`
	Error string `json:"error,omitempty"`
}
