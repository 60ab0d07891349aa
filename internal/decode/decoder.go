package decode

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"fognode/internal/broker"
	"fognode/internal/domain"
)

const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Decode failure reasons.
const (
	ReasonBadPayload   = "bad_payload"
	ReasonMissingField = "missing_field"
	ReasonBadValue     = "bad_value"
	ReasonBadTimestamp = "bad_timestamp"
)

// DecodeError marks a payload as permanently malformed. The pipeline
// acknowledges such messages immediately so they cannot poison the
// subscription with endless redelivery.
type DecodeError struct {
	MessageID string
	Reason    string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode message %s: %s: %v", e.MessageID, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode message %s: %s", e.MessageID, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a terminal decode rejection.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

type wireReading struct {
	SensorID  string  `json:"sensor_id" msgpack:"sensor_id"`
	City      string  `json:"city" msgpack:"city"`
	Metric    string  `json:"metric_name" msgpack:"metric_name"`
	Value     float64 `json:"value" msgpack:"value"`
	Timestamp string  `json:"timestamp" msgpack:"timestamp"`
}

// Decoder converts raw broker messages into sensor readings. It performs no
// I/O; the receive time and node name are fixed at construction and injected
// per call so decoding stays deterministic.
type Decoder struct {
	format string
	node   string
}

func New(format, node string) (*Decoder, error) {
	switch format {
	case FormatJSON, FormatMsgpack:
	case "":
		format = FormatJSON
	default:
		return nil, fmt.Errorf("unsupported payload format %q", format)
	}
	return &Decoder{format: format, node: node}, nil
}

// Decode parses one delivery. A nil error means the reading passed all
// structural validation; any error is a *DecodeError and terminal.
func (d *Decoder) Decode(msg broker.Message, receivedAt time.Time) (domain.SensorReading, error) {
	var in wireReading
	var err error
	switch d.format {
	case FormatMsgpack:
		err = msgpack.Unmarshal(msg.Payload, &in)
	default:
		err = json.Unmarshal(msg.Payload, &in)
	}
	if err != nil {
		return domain.SensorReading{}, &DecodeError{MessageID: msg.ID, Reason: ReasonBadPayload, Err: err}
	}
	if msg.ID == "" {
		return domain.SensorReading{}, &DecodeError{Reason: ReasonMissingField, Err: errors.New("message_id is required")}
	}
	if strings.TrimSpace(in.SensorID) == "" {
		return domain.SensorReading{}, &DecodeError{MessageID: msg.ID, Reason: ReasonMissingField, Err: errors.New("sensor_id is required")}
	}
	if strings.TrimSpace(in.Metric) == "" {
		return domain.SensorReading{}, &DecodeError{MessageID: msg.ID, Reason: ReasonMissingField, Err: errors.New("metric_name is required")}
	}
	if math.IsNaN(in.Value) || math.IsInf(in.Value, 0) {
		return domain.SensorReading{}, &DecodeError{MessageID: msg.ID, Reason: ReasonBadValue, Err: fmt.Errorf("value %v is not finite", in.Value)}
	}
	ts, err := parseTimestamp(in.Timestamp)
	if err != nil {
		return domain.SensorReading{}, &DecodeError{MessageID: msg.ID, Reason: ReasonBadTimestamp, Err: err}
	}
	return domain.SensorReading{
		MessageID:  msg.ID,
		SensorID:   strings.TrimSpace(in.SensorID),
		City:       strings.TrimSpace(in.City),
		Metric:     sanitizeKey(in.Metric),
		Value:      in.Value,
		Timestamp:  ts,
		ReceivedAt: receivedAt.UTC(),
		Node:       d.node,
		Attempt:    msg.Attempt,
	}, nil
}

// parseTimestamp accepts RFC3339(Nano) or unix nanoseconds.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	if unixNs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(0, unixNs).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return ts.UTC(), nil
}

// sanitizeKey rewrites metric names to warehouse-safe column values.
// Producer metric names can carry dots (e.g. "Location.ID").
func sanitizeKey(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), ".", "_")
}
