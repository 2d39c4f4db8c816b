// Package lance is a client for the Lance Wire Protocol: a management client
// for topic lifecycle, a pipelined producer, and a standalone offset-addressed
// consumer, all over a single-socket full-duplex TCP (or TLS) transport.
package lance

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nitecon/go-lance/lwp"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrConnection    = errors.New("lance: connection")
	ErrTimeout       = errors.New("lance: timeout")
	ErrBackpressure  = errors.New("lance: backpressure")
	ErrCatchingUp    = errors.New("lance: server catching up")
	ErrNotLeader     = errors.New("lance: not leader")
	ErrProtocol      = errors.New("lance: protocol")
	ErrTopicNotFound = errors.New("lance: topic not found")
	ErrTopicExists   = errors.New("lance: topic already exists")
	ErrAccessDenied  = errors.New("lance: access denied")
	ErrClosed        = errors.New("lance: closed")
)

// ErrInvalidFrame aliases the framing layer's sentinel so both layers
// classify the same way.
var ErrInvalidFrame = lwp.ErrInvalidFrame

// Retryable reports whether err is transient and the operation can be
// retried against the same server.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrConnection),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrBackpressure),
		errors.Is(err, ErrCatchingUp),
		errors.Is(err, ErrNotLeader):
		return true
	}
	return false
}

// Server error codes (normative).
const (
	codeUnknown          = 0x01
	codeInvalidMagic     = 0x02
	codePayloadTooLarge  = 0x03
	codeInvalidPayload   = 0x04
	codeCRCMismatch      = 0x05
	codeVersionMismatch  = 0x06
	codeTopicNotFound    = 0x10
	codeTopicExists      = 0x11
	codeInvalidTopicName = 0x12
	codeTopicDeleted     = 0x13
	codeCatchingUp       = 0x14
	codeNotLeader        = 0x20
	codeRateLimited      = 0x30
	codeBackpressure     = 0x31
	codeAuthRequired     = 0x40
	codeAuthFailed       = 0x41
	codeAccessDenied     = 0x42
	codeInvalidOffset    = 0x50
	codeOffsetOutOfRange = 0x51
	codeInternal         = 0x60
	codeStorage          = 0x61
	codeTimeout          = 0x62
)

// ServerError is a structured ERROR_RESPONSE from the server. It unwraps to
// the sentinel matching its code, so errors.Is classification works on the
// whole taxonomy.
type ServerError struct {
	Code         int
	Message      string
	LeaderAddr   string
	ServerOffset uint64
}

func (e *ServerError) Error() string {
	switch {
	case e.LeaderAddr != "":
		return fmt.Sprintf("lance: server error %#02x: %s (leader %s)", e.Code, e.Message, e.LeaderAddr)
	case e.Code == codeCatchingUp:
		return fmt.Sprintf("lance: server catching up (at offset %d)", e.ServerOffset)
	}
	return fmt.Sprintf("lance: server error %#02x: %s", e.Code, e.Message)
}

func (e *ServerError) Unwrap() error {
	switch e.Code {
	case codeInvalidMagic, codeCRCMismatch:
		return ErrInvalidFrame
	case codePayloadTooLarge, codeInvalidPayload, codeVersionMismatch:
		return ErrProtocol
	case codeTopicNotFound, codeTopicDeleted:
		return ErrTopicNotFound
	case codeTopicExists:
		return ErrTopicExists
	case codeCatchingUp:
		return ErrCatchingUp
	case codeNotLeader:
		return ErrNotLeader
	case codeRateLimited, codeBackpressure:
		return ErrBackpressure
	case codeAuthRequired, codeAuthFailed, codeAccessDenied:
		return ErrAccessDenied
	case codeTimeout:
		return ErrTimeout
	}
	// 0x01, 0x12, 0x50..0x61 and unknown codes stay generic.
	return nil
}

type errorResponseBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

type errorResponseDetails struct {
	LeaderAddr   string `json:"leader_addr"`
	ServerOffset uint64 `json:"server_offset"`
}

// serverErrorFromPayload parses an ERROR_RESPONSE payload into a
// *ServerError. Non-JSON payloads become a generic error carrying the raw
// text with code 0x01.
func serverErrorFromPayload(payload []byte) *ServerError {
	var body errorResponseBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return &ServerError{Code: codeUnknown, Message: string(payload)}
	}
	se := &ServerError{Code: body.Code, Message: body.Message}
	if se.Code == 0 {
		se.Code = codeUnknown
	}
	if len(body.Details) > 0 {
		var d errorResponseDetails
		if err := json.Unmarshal(body.Details, &d); err == nil {
			se.LeaderAddr = d.LeaderAddr
			se.ServerOffset = d.ServerOffset
		}
	}
	return se
}
