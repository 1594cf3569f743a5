package mathx

import "golang.org/x/exp/constraints"

// Lerp maps x from [x0,x1] onto [y0,y1] with integer arithmetic.
// x outside the input range is clamped; x0 == x1 returns y0.
func Lerp[T constraints.Signed](x, x0, x1, y0, y1 T) T {
	if x0 == x1 {
		return y0
	}
	x = Clamp(x, x0, x1)
	return y0 + (y1-y0)*(x-x0)/(x1-x0)
}
