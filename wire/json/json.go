// Package json implements the JSON ingest wire codec: datapoints grouped
// by metric kind, and events as a single-element JSON array, matching
// JsonSignalFxIngestClient's _batch_data/_send_event encoding.
package json

import (
	"encoding/json"

	"github.com/signalfx/signalfx-go-client/datapoint"
	"github.com/signalfx/signalfx-go-client/event"
)

type wireDatapoint struct {
	Metric     string            `json:"metric"`
	Value      interface{}       `json:"value"`
	Timestamp  int64             `json:"timestamp,omitempty"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
}

func toWireValue(v datapoint.Value) interface{} {
	switch {
	case v.IsInt():
		return v.Int()
	case v.IsFloat():
		return v.Float()
	default:
		return v.Str()
	}
}

func toWireDatapoint(o datapoint.Observation) wireDatapoint {
	return wireDatapoint{
		Metric:     o.Metric,
		Value:      toWireValue(o.Value),
		Timestamp:  o.Timestamp,
		Dimensions: o.Dimensions,
	}
}

// EncodeBatch serializes a batch of observations into the
// {"gauge":[...],"counter":[...],"cumulative_counter":[...]} wire form,
// omitting any bucket with no members.
func EncodeBatch(observations []datapoint.Observation) ([]byte, error) {
	buckets := make(map[string][]wireDatapoint, 3)
	for _, o := range observations {
		kind := o.Kind.String()
		buckets[kind] = append(buckets[kind], toWireDatapoint(o))
	}
	return json.Marshal(buckets)
}

type wireEvent struct {
	EventType  string                 `json:"eventType"`
	Category   *string                `json:"category"`
	Dimensions map[string]string      `json:"dimensions"`
	Properties map[string]interface{} `json:"properties"`
	Timestamp  *int64                 `json:"timestamp"`
}

func toWirePropertyValue(v event.PropertyValue) interface{} {
	switch {
	case v.IsBool():
		return v.Bool()
	case v.IsInt():
		return v.Int()
	case v.IsFloat():
		return v.Float()
	default:
		return v.Str()
	}
}

// EncodeEvent serializes a single event into the single-element JSON
// array wire form used by the event endpoint.
func EncodeEvent(e event.Event) ([]byte, error) {
	we := wireEvent{
		EventType:  e.EventType,
		Dimensions: e.Dimensions,
		Properties: make(map[string]interface{}, len(e.Properties)),
	}
	if we.Dimensions == nil {
		we.Dimensions = map[string]string{}
	}
	if e.HasCategory {
		cat := e.Category.String()
		we.Category = &cat
	}
	for k, v := range e.Properties {
		we.Properties[k] = toWirePropertyValue(v)
	}
	if e.Timestamp != 0 {
		ts := e.Timestamp
		we.Timestamp = &ts
	}
	return json.Marshal([]wireEvent{we})
}
