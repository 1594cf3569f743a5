package mfgsys

// Offsets inside the MFG register window.
const (
	regPLLCon1    = 0x0008 // GPU PLL
	regPLLSC0Con1 = 0x0408 // STACK PLL, shader cluster 0
	regPLLSC1Con1 = 0x0808 // STACK PLL, shader cluster 1

	regRefSel = 0x1000 // clock mux, 1 = PLL, 0 = 26 MHz reference

	regBuckIsoSet = 0x1100
	regBuckIsoClr = 0x1104
	regBuckIso    = 0x1108

	regPwrConBase = 0x1200 // one PWR_CON per domain, 4 bytes apart

	regSlpProtSet = 0x1300
	regSlpProtClr = 0x1304
	regSlpProtSta = 0x1308

	regEmiProtSet0 = 0x1400
	regEmiProtClr0 = 0x1404
	regEmiProtRdy0 = 0x1408
	regEmiProtSet1 = 0x1410
	regEmiProtClr1 = 0x1414
	regEmiProtRdy1 = 0x1418

	regCG = 0x1500

	regBusClkDiv  = 0x1600
	regTopDCM     = 0x1604
	regStackDCM   = 0x1608
	regACP        = 0x160C
	regAXIMerger  = 0x1610
	regBroadcast  = 0x1614
	regDelselTop  = 0x1618
	regDelselStck = 0x161C
)

// CON1 layout.
const (
	con1PCWChg      = 1 << 31
	con1PosdivShift = 24
	con1PosdivMask  = 0x7 << con1PosdivShift
	con1PCWMask     = 1<<22 - 1
)

// Mux select bits in regRefSel.
const (
	MuxTop = 1 << 0
	MuxSC0 = 1 << 1
	MuxSC1 = 1 << 2
)

// PWR_CON bits.
const (
	pwrRstB      = 1 << 0
	pwrIso       = 1 << 1
	pwrOn        = 1 << 2
	pwrOn2nd     = 1 << 3
	pwrClkDis    = 1 << 4
	pwrSramPdn   = 1 << 8
	pwrSramAck   = 1 << 12
	pwrAck       = 1 << 30
	pwrAck2nd    = 1 << 31
	pwrAckBoth   = pwrAck | pwrAck2nd
	pwrCT0RstB   = 1 << 10 // STACK always-on reset, cluster 0
	pwrCT1RstB   = 1 << 14
	pwrTopRstB   = 1 << 16 // GPU always-on reset
	stackAORstB  = pwrCT0RstB | pwrCT1RstB
	stackIsoMask = 1<<16 | 1<<28
	gpuIsoMask   = 1 << 8
)

// Bus protect groups, in release order.
const (
	protEmi   = 0x3 << 19
	protRx    = 0xF << 16
	protTx    = 0xF << 0
	protACP1  = 1<<6 | 1<<22 | 1<<23
	protACP0  = 1<<5 | 1<<21
	cgTop     = 1 << 0
	cgStack   = 1<<1 | 1<<2
	cgRefSel  = 1 << 3
	dcmEnable = 1 << 0
)
