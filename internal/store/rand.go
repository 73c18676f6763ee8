package store

import "math/rand"

func defaultRandFloat() float64 {
	return rand.Float64()
}
