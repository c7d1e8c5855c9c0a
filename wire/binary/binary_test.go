package binary

import (
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/signalfx/signalfx-go-client/datapoint"
)

func TestEncodeDecodeBatchRoundTrip(t *testing.T) {
	observations := []datapoint.Observation{
		{Metric: "cpu.load", Kind: datapoint.Gauge, Value: datapoint.FloatValue(1.5), Timestamp: 1000},
		{Metric: "requests", Kind: datapoint.Counter, Value: datapoint.IntValue(42), Dimensions: map[string]string{"host": "a"}},
		{Metric: "build.info", Kind: datapoint.Gauge, Value: datapoint.StringValue("v1.2.3")},
	}

	encoded, err := EncodeBatch(observations)
	if err != nil {
		t.Fatalf("EncodeBatch() error = %v", err)
	}

	decoded, err := DecodeBatch(encoded)
	if err != nil {
		t.Fatalf("DecodeBatch() error = %v", err)
	}
	if !reflect.DeepEqual(decoded, observations) {
		t.Fatalf("round trip = %+v, want %+v", decoded, observations)
	}
}

func TestEncodeBatchRejectsInvalidObservation(t *testing.T) {
	_, err := EncodeBatch([]datapoint.Observation{{Metric: "", Kind: datapoint.Gauge, Value: datapoint.IntValue(1)}})
	if err == nil {
		t.Fatal("EncodeBatch() with empty metric = nil error, want error")
	}
}

func TestDecodeBatchRejectsTruncatedInput(t *testing.T) {
	if _, err := DecodeBatch([]byte{0, 0}); err == nil {
		t.Fatal("DecodeBatch(truncated) = nil error, want error")
	}
}

func TestDecodeStreamValue(t *testing.T) {
	var raw [8]byte
	neg := int64(-7)
	binary.BigEndian.PutUint64(raw[:], uint64(neg))
	v, absent, err := DecodeStreamValue(byte(ValueInt64), raw)
	if err != nil || absent || !v.IsInt() || v.Int() != -7 {
		t.Fatalf("DecodeStreamValue(int) = (%v, %v, %v)", v, absent, err)
	}

	v, absent, err = DecodeStreamValue(byte(ValueAbsent), [8]byte{})
	if err != nil || !absent {
		t.Fatalf("DecodeStreamValue(absent) = (%v, %v, %v)", v, absent, err)
	}

	if _, _, err := DecodeStreamValue(99, [8]byte{}); err == nil {
		t.Fatal("DecodeStreamValue(unsupported type) = nil error, want error")
	}
}
