package engine

import (
	"errors"

	"github.com/comigor/streamchat/internal/chat"
	"github.com/comigor/streamchat/internal/request"
	"github.com/comigor/streamchat/internal/session"
	"github.com/comigor/streamchat/internal/transport"
)

// Kind classifies an error for display.
type Kind string

const (
	KindNone           Kind = ""
	KindRequestFailed  Kind = "request_failed"
	KindNoResponseBody Kind = "no_response_body"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
	KindValidation     Kind = "validation"
	KindUnknownSession Kind = "unknown_session"
	KindInterrupted    Kind = "interrupted"
	KindBusy           Kind = "busy"
	KindStreamError    Kind = "stream_error"
	KindOther          Kind = "other"
)

var kinds = []struct {
	target error
	kind   Kind
}{
	{transport.ErrRequestFailed, KindRequestFailed},
	{transport.ErrNoResponseBody, KindNoResponseBody},
	{transport.ErrTimeout, KindTimeout},
	{transport.ErrCancelled, KindCancelled},
	{transport.ErrStreamInterrupted, KindInterrupted},
	{request.ErrValidation, KindValidation},
	{session.ErrUnknownSession, KindUnknownSession},
	{chat.ErrTurnPending, KindBusy},
	{chat.ErrStreamReported, KindStreamError},
}

// ErrorKind returns the kind of err, KindNone for nil.
func ErrorKind(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}
	return KindOther
}
