package vibration

import (
	"math"
	"time"
)

// Reading is one accelerometer sample. Temperature and Frequency are nil
// when the sensor did not report them.
type Reading struct {
	Timestamp   time.Time
	X           float64
	Y           float64
	Z           float64
	Magnitude   float64
	Temperature *float64
	Frequency   *float64
}

// NewReading computes the magnitude from the three axes.
func NewReading(ts time.Time, x, y, z float64) Reading {
	return Reading{
		Timestamp: ts,
		X:         x,
		Y:         y,
		Z:         z,
		Magnitude: math.Sqrt(x*x + y*y + z*z),
	}
}
