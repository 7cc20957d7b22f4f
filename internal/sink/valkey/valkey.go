// Package valkey appends notifications to a Valkey stream.
package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"syscall"

	"github.com/valkey-io/valkey-go"

	"github.com/eventwatch/eventwatch/internal/common"
	"github.com/eventwatch/eventwatch/pkg/watch"
)

const (
	fieldKind    = "kind"
	fieldTarget  = "target"
	fieldPayload = "payload"
)

type Sink struct {
	client valkey.Client
	stream string
	maxLen int64
}

// NewSink returns a sink appending to stream. A positive maxLen caps the
// stream at roughly that many entries.
func NewSink(client valkey.Client, stream string, maxLen int64) Sink {
	return Sink{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

func (s Sink) Deliver(ctx context.Context, notification watch.Notification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return common.NewDeliveryError(err, "failed to marshal notification %v", notification.ID)
	}

	target := notification.Machine + "/" + notification.Log

	var command valkey.Completed

	if s.maxLen > 0 {
		command = s.client.B().Xadd().Key(s.stream).Maxlen().Almost().Threshold(strconv.FormatInt(s.maxLen, 10)).Id("*").
			FieldValue().FieldValue(fieldKind, string(notification.Kind)).FieldValue(fieldTarget, target).FieldValue(fieldPayload, string(data)).
			Build()
	} else {
		command = s.client.B().Xadd().Key(s.stream).Id("*").
			FieldValue().FieldValue(fieldKind, string(notification.Kind)).FieldValue(fieldTarget, target).FieldValue(fieldPayload, string(data)).
			Build()
	}

	err = s.client.Do(ctx, command).Error()
	if err != nil {
		switch {
		case s.isRetryable(err):
			return common.NewRetryableDeliveryError(err, "failed to add notification %v to %s", notification.ID, s.stream)
		default:
			return common.NewDeliveryError(err, "failed to add notification %v to %s", notification.ID, s.stream)
		}
	}

	return nil
}

func (s Sink) isRetryable(err error) bool {
	// Network error
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	vErr, isValkeyError := valkey.IsValkeyErr(err)
	if !isValkeyError {
		return false
	}

	return vErr.IsTryAgain() || vErr.IsClusterDown()
}
