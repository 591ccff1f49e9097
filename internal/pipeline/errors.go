package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"

	"streamingest/checkpoint"
	"streamingest/internal/credential"
	"streamingest/sink"
)

// PartitionFatal stops one partition worker. The checkpoint was not
// advanced to Offset; when the sink failed, the batch starting there was not
// forwarded either.
type PartitionFatal struct {
	Stream    string
	Partition int32
	Offset    int64
	Err       error
}

func (e *PartitionFatal) Error() string {
	return fmt.Sprintf("partition %s/%d fatal at offset %d: %v", e.Stream, e.Partition, e.Offset, e.Err)
}

func (e *PartitionFatal) Unwrap() error { return e.Err }

// IsCredential reports whether err stems from token acquisition.
func IsCredential(err error) bool {
	var cerr *credential.Error
	return errors.As(err, &cerr)
}

func sinkRetryable(err error) bool {
	if IsCredential(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var serr *sink.Error
	if errors.As(err, &serr) {
		return serr.Retryable
	}
	return transientErr(err)
}

func storeRetryable(err error) bool {
	if IsCredential(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var cerr *checkpoint.Error
	if errors.As(err, &cerr) {
		return cerr.Retryable
	}
	return transientErr(err)
}

// unclassified failures: timeouts and network errors retry, the rest do not
func transientErr(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr)
}
