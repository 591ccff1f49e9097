package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"streamingest/internal/model"
)

// Func maps one event to exactly one record, or fails with *Error.
type Func func(model.Event) (model.Record, error)

// Error marks an event that can never be transformed. The pipeline skips
// such events instead of retrying them.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "transform: " + e.Reason
	}
	return fmt.Sprintf("transform: field %q %s", e.Field, e.Reason)
}

// Fields required on every gateway log payload, in column order.
var Fields = []string{
	"EventTime",
	"ServiceName",
	"RequestId",
	"RequestIp",
	"OperationName",
	"apikey",
	"requestbody",
	"JWTToken",
	"AppId",
	"Oid",
	"Name",
}

// time layouts seen in EventTime, tried in order
var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"1/2/2006 3:04:05 PM",
	"2006-01-02 15:04:05",
}

// APIMLog is the transformer for API-gateway diagnostic events.
func APIMLog(ev model.Event) (model.Record, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(ev.Payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return model.Record{}, &Error{Reason: "payload is not a JSON object: " + err.Error()}
	}
	if raw == nil {
		return model.Record{}, &Error{Reason: "payload is not a JSON object: null"}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return model.Record{}, &Error{Reason: "payload has data after the JSON object"}
	}

	str := make(map[string]string, len(Fields))
	for _, f := range Fields {
		v, ok := raw[f]
		if !ok {
			return model.Record{}, &Error{Field: f, Reason: "missing"}
		}
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return model.Record{}, &Error{Field: f, Reason: "is null"}
		}
		if f == "requestbody" {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return model.Record{}, &Error{Field: f, Reason: "is not a string"}
		}
		str[f] = s
	}

	rec := model.Record{
		EventTime:      str["EventTime"],
		ServiceName:    str["ServiceName"],
		RequestID:      str["RequestId"],
		RequestIP:      str["RequestIp"],
		OperationName:  str["OperationName"],
		APIKey:         str["apikey"],
		RequestBody:    append(json.RawMessage(nil), bytes.TrimSpace(raw["requestbody"])...),
		JWTToken:       str["JWTToken"],
		AppID:          str["AppId"],
		OID:            str["Oid"],
		Name:           str["Name"],
		Stream:         ev.Stream,
		PartitionID:    ev.Partition,
		SequenceNumber: ev.Offset,
	}
	rec.TimeGenerated = timeGenerated(rec.EventTime, ev.EnqueuedAt)
	return rec, nil
}

func timeGenerated(eventTime string, enqueued time.Time) string {
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, eventTime); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	if enqueued.IsZero() {
		return ""
	}
	return enqueued.UTC().Format(time.RFC3339Nano)
}
