// Package model holds the value types that flow through the pipeline:
// events pulled from a partition and the normalized records forwarded to
// the ingestion sink.
package model

import (
	"encoding/json"
	"time"
)

// Event is one immutable entry observed on a partition.
type Event struct {
	Stream     string
	Partition  int32
	Offset     int64
	EnqueuedAt time.Time
	Key        []byte
	Payload    []byte
	Headers    map[string][]byte
}

// Record is the fixed-shape row accepted by the ingestion sink. JSON names
// follow the destination table columns.
type Record struct {
	TimeGenerated  string          `json:"TimeGenerated,omitempty"`
	EventTime      string          `json:"EventTime"`
	ServiceName    string          `json:"ServiceName"`
	RequestID      string          `json:"RequestId"`
	RequestIP      string          `json:"RequestIp"`
	OperationName  string          `json:"OperationName"`
	APIKey         string          `json:"apikey"`
	RequestBody    json.RawMessage `json:"requestbody"`
	JWTToken       string          `json:"JWTToken"`
	AppID          string          `json:"AppId"`
	OID            string          `json:"Oid"`
	Name           string          `json:"Name"`
	PartitionID    int32           `json:"PartitionId"`
	SequenceNumber int64           `json:"SequenceNumber"`

	// Stream names the source stream; it is not a table column.
	Stream string `json:"-"`
}
