package gpufreq

import "powercore-go/types"

// Springboard is one parking point. Up and Down are the next points a
// walk may jump to from here in each direction.
type Springboard struct {
	OppIdx     int
	VGPU       uint32
	VStack     uint32
	VGPUUp     uint32
	VStackUp   uint32
	VGPUDown   uint32
	VStackDown uint32
}

type direction int

const (
	scaleDown direction = iota - 1
	scaleStay
	scaleUp
)

// buildSpringboard derives the parking table from the signed volts. It is
// always rebuilt whole.
func buildSpringboard(gpu, stack []types.OPP, parking []int) []Springboard {
	n := len(parking)
	sb := make([]Springboard, n)
	for i, idx := range parking {
		sb[i].OppIdx = idx
		sb[i].VGPU = gpu[idx].Volt
		sb[i].VStack = stack[idx].Volt
	}
	for i := n - 1; i > 0; i-- {
		sb[i].VGPUUp = sb[i-1].VGPU
		sb[i].VStackUp = sb[i-1].VStack
	}
	sb[0].VGPUUp, sb[0].VStackUp = VMax, VMax
	for i := 0; i < n-1; i++ {
		sb[i].VGPUDown = sb[i+1].VGPU
		sb[i].VStackDown = sb[i+1].VStack
	}
	sb[n-1].VGPUDown, sb[n-1].VStackDown = VMin, VMin
	return sb
}

// parkingVolt returns the furthest pair reachable from (vgpu, vstack).
// Going up it starts from the highest point at or below the current
// volts; going down from the lowest point at or above them.
func parkingVolt(sb []Springboard, dir direction, vgpu, vstack uint32) (uint32, uint32) {
	n := len(sb)
	if dir == scaleUp {
		i := 0
		for ; i < n; i++ {
			if vgpu >= sb[i].VGPU && vstack >= sb[i].VStack {
				break
			}
		}
		if i >= n {
			i = n - 1
		}
		return sb[i].VGPUUp, sb[i].VStackUp
	}
	i := n - 1
	for ; i >= 0; i-- {
		if vgpu <= sb[i].VGPU && vstack <= sb[i].VStack {
			break
		}
	}
	if i < 0 {
		i = 0
	}
	return sb[i].VGPUDown, sb[i].VStackDown
}
