// Package gen contains small generic helpers
package gen

import "cmp"

func Clamp[T cmp.Ordered](v, low, high T) T {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

func Abs[T ~int | ~int32 | ~int64 | ~float32 | ~float64](a T) T {
	if a < 0 {
		return -a
	}
	return a
}
