// Package event defines the Event data model sent through the ingest
// pipeline: a discrete occurrence, distinct from the continuous
// measurements carried by datapoint.Observation.
package event

import (
	"github.com/signalfx/signalfx-go-client/signalfxerr"
)

// Category classifies the kind of event being reported.
type Category int

const (
	// UserDefined is an event triggered by a user-facing action.
	UserDefined Category = iota
	// Alert is an event generated by an alert/detector firing.
	Alert
	// Audit is an event recording a configuration or access change.
	Audit
	// Job is an event generated by a scheduled or background job.
	Job
	// Collectd is an event forwarded from a collectd notification.
	Collectd
	// Exception is an event recording an application exception.
	Exception
	// ServiceDiscovery is an event generated by a service discovery
	// mechanism, e.g. a host or container joining/leaving.
	ServiceDiscovery
)

var categoryNames = map[Category]string{
	UserDefined:      "USER_DEFINED",
	Alert:            "ALERT",
	Audit:            "AUDIT",
	Job:              "JOB",
	Collectd:         "COLLECTD",
	Exception:        "EXCEPTION",
	ServiceDiscovery: "SERVICE_DISCOVERY",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseCategory resolves a wire-format category name back to a Category,
// reporting ok=false for anything not in the supported set.
func ParseCategory(name string) (Category, bool) {
	for c, n := range categoryNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// PropertyValue is a tagged union over the value types an event property
// may carry. Unlike datapoint.Value, booleans are permitted here.
type PropertyValue struct {
	typ      propType
	boolVal  bool
	intVal   int64
	floatVal float64
	strVal   string
}

type propType int

const (
	propBool propType = iota
	propInt
	propFloat
	propString
)

func BoolProperty(v bool) PropertyValue     { return PropertyValue{typ: propBool, boolVal: v} }
func IntProperty(v int64) PropertyValue     { return PropertyValue{typ: propInt, intVal: v} }
func FloatProperty(v float64) PropertyValue { return PropertyValue{typ: propFloat, floatVal: v} }
func StringProperty(v string) PropertyValue { return PropertyValue{typ: propString, strVal: v} }

func (p PropertyValue) IsBool() bool   { return p.typ == propBool }
func (p PropertyValue) IsInt() bool    { return p.typ == propInt }
func (p PropertyValue) IsFloat() bool  { return p.typ == propFloat }
func (p PropertyValue) IsString() bool { return p.typ == propString }

func (p PropertyValue) Bool() bool      { return p.boolVal }
func (p PropertyValue) Int() int64      { return p.intVal }
func (p PropertyValue) Float() float64  { return p.floatVal }
func (p PropertyValue) Str() string     { return p.strVal }

// Event is a discrete occurrence reported through the ingest pipeline.
type Event struct {
	EventType  string
	Category   Category
	// HasCategory distinguishes an explicitly-set Category from a
	// category-less event; a category-less event is still accepted, per
	// the original client's "if category:" guard.
	HasCategory bool
	Dimensions  map[string]string
	Properties  map[string]PropertyValue
	// Timestamp is milliseconds since the Unix epoch. Zero means "let the
	// backend assign one on receipt".
	Timestamp int64
}

// New builds and validates an Event. Pass hasCategory=false to send a
// category-less event.
func New(eventType string, category Category, hasCategory bool, dimensions map[string]string, properties map[string]PropertyValue) (Event, error) {
	e := Event{
		EventType:   eventType,
		Category:    category,
		HasCategory: hasCategory,
		Dimensions:  dimensions,
		Properties:  properties,
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Validate checks that the event type is non-empty and, when HasCategory
// is set, that Category is one of the supported categories.
func (e Event) Validate() error {
	if e.EventType == "" {
		return signalfxerr.New(signalfxerr.InvalidInput, "event type must not be empty")
	}
	if e.HasCategory {
		if _, ok := categoryNames[e.Category]; !ok {
			return signalfxerr.Invalidf("unsupported event category %d", int(e.Category))
		}
	}
	return nil
}
