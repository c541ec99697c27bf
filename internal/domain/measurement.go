package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 form written to the data log (UTC, millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Field names in the order they are persisted after the timestamp column.
const (
	FieldVrmsCurrent = "Vrms_current"
	FieldVrmsSensor  = "Vrms_sensor"
	FieldVrmsGrid    = "Vrms_grid"
	FieldIrms        = "Irms"
	FieldP           = "P"
	FieldS           = "S"
	FieldPF          = "PF"
)

// Fields lists the required numeric fields in column order.
var Fields = [...]string{
	FieldVrmsCurrent,
	FieldVrmsSensor,
	FieldVrmsGrid,
	FieldIrms,
	FieldP,
	FieldS,
	FieldPF,
}

// CSVHeader is the first line of every data log.
var CSVHeader = "timestamp," + strings.Join(Fields[:], ",")

// Measurement is one reading posted by the power meter.
type Measurement struct {
	Timestamp   time.Time `json:"timestamp"`
	VrmsCurrent float64   `json:"Vrms_current"`
	VrmsSensor  float64   `json:"Vrms_sensor"`
	VrmsGrid    float64   `json:"Vrms_grid"`
	Irms        float64   `json:"Irms"`
	P           float64   `json:"P"`
	S           float64   `json:"S"`
	PF          float64   `json:"PF"`
}

// Values returns the numeric fields in column order.
func (m *Measurement) Values() [len(Fields)]float64 {
	return [len(Fields)]float64{m.VrmsCurrent, m.VrmsSensor, m.VrmsGrid, m.Irms, m.P, m.S, m.PF}
}

// CSVLine renders the record as it is persisted, without the line terminator.
// Values keep full precision.
func (m *Measurement) CSVLine() string {
	var b strings.Builder
	b.Grow(128)
	b.WriteString(m.Timestamp.UTC().Format(TimestampLayout))
	for _, v := range m.Values() {
		b.WriteByte(',')
		b.WriteString(FormatValue(v))
	}
	return b.String()
}

// Summary is the human readable console line. Display only, never persisted.
func (m *Measurement) Summary() string {
	return fmt.Sprintf(
		"Received data -> Vrms_current: %.4f V | Vrms_sensor: %.4f V | Vrms_grid: %.1f V | Irms: %.3f A | P: %.3f W | S: %.3f VA | PF: %.3f",
		m.VrmsCurrent, m.VrmsSensor, m.VrmsGrid, m.Irms, m.P, m.S, m.PF,
	)
}

// FormatValue writes the shortest decimal that round-trips v. Exponent
// notation is only used for very large or very small magnitudes, and the
// exponent carries no leading zeros (1e-7, 1e+21).
func FormatValue(v float64) string {
	abs := math.Abs(v)
	if abs >= 1e21 || (abs != 0 && abs < 1e-6) {
		s := strconv.FormatFloat(v, 'e', -1, 64)
		mant, exp, _ := strings.Cut(s, "e")
		sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
		return mant + "e" + sign + digits
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
