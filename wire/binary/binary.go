// Package binary implements the compact binary ingest wire codec: a
// length-delimited framed format for observations, and the datapoint-row
// decoding shared with the SignalFlow streaming binary frame format
// (see signalflow's frame decoder, which reuses DecodeStreamValue for the
// 17-byte datapoint rows described in the server's streaming protocol).
//
// This is a bespoke format, not real protobuf: no serialization library
// in the example corpus models this exact byte layout, so it is encoded
// and decoded by hand with encoding/binary.
package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/signalfx/signalfx-go-client/datapoint"
	"github.com/signalfx/signalfx-go-client/signalfxerr"
)

// ValueType tags the wire representation of a datapoint or streaming
// value, per §4.2's value_type byte: 0 = absent, 1 = int64, 2 = double.
// A third variant (string) is added for the ingest datapoint codec,
// which, unlike the streaming protocol, must also carry string values.
type ValueType uint8

const (
	ValueAbsent ValueType = 0
	ValueInt64  ValueType = 1
	ValueDouble ValueType = 2
	ValueString ValueType = 3
)

func valueTypeOf(v datapoint.Value) ValueType {
	switch {
	case v.IsInt():
		return ValueInt64
	case v.IsFloat():
		return ValueDouble
	default:
		return ValueString
	}
}

// kindByte maps an observation's Kind onto the single-byte metric-type
// enum carried on the wire.
func kindByte(k datapoint.Kind) byte {
	switch k {
	case datapoint.Gauge:
		return 0
	case datapoint.Counter:
		return 1
	case datapoint.CumulativeCounter:
		return 2
	default:
		return 0
	}
}

func kindFromByte(b byte) datapoint.Kind {
	switch b {
	case 1:
		return datapoint.Counter
	case 2:
		return datapoint.CumulativeCounter
	default:
		return datapoint.Gauge
	}
}

// EncodeBatch serializes a batch of observations into the length-delimited
// binary ingest wire form: a uint32 record count, followed by that many
// records of {metric_type byte, value_type byte, value, timestamp int64,
// metric (length-prefixed string), dimension count uint16, repeated
// (key,value) length-prefixed string pairs}.
func EncodeBatch(observations []datapoint.Observation) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(observations))); err != nil {
		return nil, err
	}
	for _, o := range observations {
		if err := encodeObservation(&buf, o); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeObservation(buf *bytes.Buffer, o datapoint.Observation) error {
	if err := o.Validate(); err != nil {
		return err
	}
	buf.WriteByte(kindByte(o.Kind))
	vt := valueTypeOf(o.Value)
	buf.WriteByte(byte(vt))
	switch vt {
	case ValueInt64:
		binary.Write(buf, binary.BigEndian, o.Value.Int())
	case ValueDouble:
		binary.Write(buf, binary.BigEndian, math.Float64bits(o.Value.Float()))
	case ValueString:
		writeString(buf, o.Value.Str())
	}
	binary.Write(buf, binary.BigEndian, o.Timestamp)
	writeString(buf, o.Metric)
	binary.Write(buf, binary.BigEndian, uint16(len(o.Dimensions)))
	for k, v := range o.Dimensions {
		writeString(buf, k)
		writeString(buf, v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeBatch is the left-inverse of EncodeBatch.
func DecodeBatch(data []byte) ([]datapoint.Observation, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("reading record count: %w", err)
	}
	out := make([]datapoint.Observation, 0, count)
	for i := uint32(0); i < count; i++ {
		o, err := decodeObservation(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func decodeObservation(r *bytes.Reader) (datapoint.Observation, error) {
	var kindB, vtB byte
	var err error
	if kindB, err = r.ReadByte(); err != nil {
		return datapoint.Observation{}, err
	}
	if vtB, err = r.ReadByte(); err != nil {
		return datapoint.Observation{}, err
	}
	var value datapoint.Value
	switch ValueType(vtB) {
	case ValueInt64:
		var iv int64
		if err := binary.Read(r, binary.BigEndian, &iv); err != nil {
			return datapoint.Observation{}, err
		}
		if iv < datapoint.IntegerMin || iv > datapoint.IntegerMax {
			return datapoint.Observation{}, signalfxerr.Invalidf("value %d exceeds signed 64 bit integer range", iv)
		}
		value = datapoint.IntValue(iv)
	case ValueDouble:
		var bits uint64
		if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
			return datapoint.Observation{}, err
		}
		value = datapoint.FloatValue(math.Float64frombits(bits))
	case ValueString:
		s, err := readString(r)
		if err != nil {
			return datapoint.Observation{}, err
		}
		value = datapoint.StringValue(s)
	default:
		return datapoint.Observation{}, signalfxerr.Invalidf("unsupported value_type %d", vtB)
	}

	var ts int64
	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return datapoint.Observation{}, err
	}
	metric, err := readString(r)
	if err != nil {
		return datapoint.Observation{}, err
	}
	var dimCount uint16
	if err := binary.Read(r, binary.BigEndian, &dimCount); err != nil {
		return datapoint.Observation{}, err
	}
	var dims map[string]string
	if dimCount > 0 {
		dims = make(map[string]string, dimCount)
		for i := uint16(0); i < dimCount; i++ {
			k, err := readString(r)
			if err != nil {
				return datapoint.Observation{}, err
			}
			v, err := readString(r)
			if err != nil {
				return datapoint.Observation{}, err
			}
			dims[k] = v
		}
	}

	return datapoint.Observation{
		Metric:     metric,
		Kind:       kindFromByte(kindB),
		Value:      value,
		Dimensions: dims,
		Timestamp:  ts,
	}, nil
}

// DecodeStreamValue decodes the 8-byte value field of a 17-byte streaming
// datapoint row according to its value_type tag (§4.2: 0=absent,
// 1=int64, 2=double). It returns (value, isAbsent, error).
func DecodeStreamValue(valueType byte, raw [8]byte) (datapoint.Value, bool, error) {
	switch ValueType(valueType) {
	case ValueAbsent:
		return datapoint.Value{}, true, nil
	case ValueInt64:
		iv := int64(binary.BigEndian.Uint64(raw[:]))
		return datapoint.IntValue(iv), false, nil
	case ValueDouble:
		bits := binary.BigEndian.Uint64(raw[:])
		return datapoint.FloatValue(math.Float64frombits(bits)), false, nil
	default:
		return datapoint.Value{}, false, signalfxerr.Invalidf("unsupported streaming value_type %d", valueType)
	}
}
