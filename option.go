package msgsock

import (
	"time"
)

// ErrorAction defines the action to take when a frame fails to decode.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue drops the offending frame and keeps reading.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	codec   Codec
	logger  Logger
	metrics *Metrics

	// onError is called when a frame fails to decode.
	// Returns Disconnect to close the connection, Continue to skip the frame.
	onError func(error) ErrorAction

	maxReadLength int           // maximum size of a single payload
	readTimeout   time.Duration // per-frame read deadline, zero for none
	writeTimeout  time.Duration // per-frame write deadline, zero for none
}

// Option is a function that configures connection options.
type Option func(*options)

// CustomCodecOption returns an Option that sets the message codec.
// If not set, MsgpackCodec is used.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// MessageMaxSize returns an Option that sets the maximum payload size.
// Frames announcing a larger payload terminate the connection.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// ReadTimeoutOption returns an Option that bounds the wait for each incoming frame.
// A peer that stays silent longer is treated as disconnected.
func ReadTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.readTimeout = timeout
	}
}

// WriteTimeoutOption returns an Option that bounds each frame write.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// OnErrorOption returns an Option that sets the decode error callback.
// Return Disconnect to close the connection, or Continue to skip the frame.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that records frame and connection counters.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
