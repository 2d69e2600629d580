package recording

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// bound is the plausible range of one sensor channel.
type bound struct {
	min, max float64
	// positive requires v > 0 instead of v >= min.
	positive bool
}

// Channels exported by the watch firmware (timestamp,bpm,confidence,accel_x,...)
// and by the Recorder app (Time,HR,HR Confidence,Accel X,...,BAT %,BAT Voltage).
// Firmware accelerometer values are milli-g, Recorder values are g; the
// accelerometer bound accepts both.
var sensorBounds = map[string]bound{
	"hr":             {min: 0, max: 250},
	"bpm":            {min: 0, max: 250},
	"heartrate":      {min: 0, max: 250},
	"hrconfidence":   {min: 0, max: 100},
	"confidence":     {min: 0, max: 100},
	"accelx":         {min: -16000, max: 16000},
	"accely":         {min: -16000, max: 16000},
	"accelz":         {min: -16000, max: 16000},
	"bat":            {min: 0, max: 100},
	"battery":        {min: 0, max: 100},
	"batterypercent": {min: 0, max: 100},
	"batvoltage":     {min: 0, max: 5},
	"voltage":        {min: 0, max: 5},
	"time":           {positive: true},
	"timestamp":      {positive: true},
}

// canonical lowercases name and keeps letters and digits only, so that
// "HR Confidence", "hr_confidence" and "hrConfidence" all match.
func canonical(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

type columnCheck struct {
	index int
	bound bound
}

func boundsFor(columns []string) []columnCheck {
	var out []columnCheck
	for i, c := range columns {
		if b, ok := sensorBounds[canonical(c)]; ok {
			out = append(out, columnCheck{index: i, bound: b})
		}
	}
	return out
}

// check reports whether cell is plausible. Empty cells are treated as missing
// samples and accepted.
func (c columnCheck) check(cell string) (Warning, bool) {
	s := strings.TrimSpace(cell)
	if s == "" {
		return Warning{}, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return Warning{Code: "non_numeric", Message: fmt.Sprintf("value %q is not a number", s)}, false
	}
	b := c.bound
	if b.positive {
		if v <= 0 {
			return Warning{Code: "out_of_range", Message: fmt.Sprintf("value %v must be positive", v)}, false
		}
		return Warning{}, true
	}
	if v < b.min || v > b.max {
		return Warning{Code: "out_of_range", Message: fmt.Sprintf("value %v outside [%v, %v]", v, b.min, b.max)}, false
	}
	return Warning{}, true
}
