package sip

// CallSink is component I's interface boundary: wherever an inbound
// INVITE is observed (the registration client or the UDP relay), the
// extracted caller number and optional brand are handed off here without
// blocking the observer.
type CallSink interface {
	RecordCall(number string, brand *string)
}

// NoopCallSink discards every call observation. Used by the relay binary
// when RelayRecordCalls is disabled, which is the default.
type NoopCallSink struct{}

func (NoopCallSink) RecordCall(string, *string) {}
