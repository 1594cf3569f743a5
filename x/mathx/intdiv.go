package mathx

import "golang.org/x/exp/constraints"

// CeilDiv returns ceil(a/b) for non-negative a and positive b.
// b == 0 yields 0.
func CeilDiv[T constraints.Integer](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// RoundDiv returns floor((a + b/2)/b), classic rounding for positives.
func RoundDiv[T constraints.Integer](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b/2) / b
}

// RoundUp rounds v up to the next multiple of step (v >= 0, step > 0).
func RoundUp[T constraints.Integer](v, step T) T {
	if step <= 0 {
		return v
	}
	return CeilDiv(v, step) * step
}
