// Package datapoint defines the Observation data model sent through the
// ingest pipeline: a metric name, a kind, a value, a set of dimensions and
// an optional timestamp.
package datapoint

import (
	"github.com/signalfx/signalfx-go-client/signalfxerr"
)

// Kind is the metric type of an Observation.
type Kind int

const (
	// Gauge represents an instantaneous measurement of a value.
	Gauge Kind = iota
	// Counter represents a count of occurrences since the last report,
	// reset to zero after being reported.
	Counter
	// CumulativeCounter represents a monotonically increasing count,
	// never reset between reports.
	CumulativeCounter
)

func (k Kind) String() string {
	switch k {
	case Gauge:
		return "gauge"
	case Counter:
		return "counter"
	case CumulativeCounter:
		return "cumulative_counter"
	default:
		return "unknown"
	}
}

// Integer range a Value's int64 must fall within to survive the binary
// wire encoding (matches the backend's signed 64-bit protocol buffer
// field).
const (
	IntegerMin = int64(-9223372036854775808)
	IntegerMax = int64(9223372036854775807)
)

// Value is a tagged union over the three value types an Observation may
// carry. Exactly one of the accessors is valid; check Type first.
type Value struct {
	typ      valueType
	intVal   int64
	floatVal float64
	strVal   string
}

type valueType int

const (
	typeInt valueType = iota
	typeFloat
	typeString
)

// IntValue builds a Value carrying a signed 64-bit integer.
func IntValue(v int64) Value { return Value{typ: typeInt, intVal: v} }

// FloatValue builds a Value carrying a double.
func FloatValue(v float64) Value { return Value{typ: typeFloat, floatVal: v} }

// StringValue builds a Value carrying a string.
func StringValue(v string) Value { return Value{typ: typeString, strVal: v} }

// IsInt reports whether the value holds an int64.
func (v Value) IsInt() bool { return v.typ == typeInt }

// IsFloat reports whether the value holds a float64.
func (v Value) IsFloat() bool { return v.typ == typeFloat }

// IsString reports whether the value holds a string.
func (v Value) IsString() bool { return v.typ == typeString }

// Int returns the underlying int64; valid only when IsInt is true.
func (v Value) Int() int64 { return v.intVal }

// Float returns the underlying float64; valid only when IsFloat is true.
func (v Value) Float() float64 { return v.floatVal }

// Str returns the underlying string; valid only when IsString is true.
func (v Value) Str() string { return v.strVal }

// validate checks the value-variant rules from the ingest protocol: a
// datapoint value never carries a boolean, and an int64 must fall within
// the signed 64-bit range enforced by the wire format.
func (v Value) validate() error {
	if v.typ == typeInt && (v.intVal < IntegerMin || v.intVal > IntegerMax) {
		return signalfxerr.Invalidf("value %d exceeds signed 64 bit integer range (%d to %d)", v.intVal, IntegerMin, IntegerMax)
	}
	return nil
}

// Observation is a single metric reading destined for the ingest pipeline.
type Observation struct {
	Metric     string
	Kind       Kind
	Value      Value
	Dimensions map[string]string
	// Timestamp is milliseconds since the Unix epoch. Zero means "let the
	// backend assign one on receipt".
	Timestamp int64
}

// New builds and validates an Observation.
func New(metric string, kind Kind, value Value, dimensions map[string]string) (Observation, error) {
	o := Observation{Metric: metric, Kind: kind, Value: value, Dimensions: dimensions}
	if err := o.Validate(); err != nil {
		return Observation{}, err
	}
	return o, nil
}

// Validate checks the invariants an Observation must satisfy before it can
// be queued: a non-empty metric name and a value within the permitted
// range. The same rules apply to every Kind.
func (o Observation) Validate() error {
	if o.Metric == "" {
		return signalfxerr.New(signalfxerr.InvalidInput, "observation metric name must not be empty")
	}
	if err := o.Value.validate(); err != nil {
		return err
	}
	return nil
}
