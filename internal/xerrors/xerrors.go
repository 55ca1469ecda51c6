// Package xerrors defines the error kinds shared by the streaming engines.
//
// Every fatal condition in the replication client falls into one of a
// small number of kinds. Callers that need to distinguish them use
// errors.As against the exported types; everyone else just treats the
// error as fatal and prints it.
package xerrors

import "fmt"

// ConfigError is a misconfiguration: conflicting flags, a non-empty target
// directory, an unsupported compression setting, or a server setting or
// tablespace layout the requested run cannot work with. Most are caught
// before any connection is made; the server-side ones after connecting.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

// NewConfig builds a ConfigError with a formatted message.
func NewConfig(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// ProtocolError is a violation of the wire protocol's framing contract:
// an unexpected result status, a malformed frame, a wrong frame type
// byte, a short header, an offset mismatch, an unknown tar typeflag, a
// truncated entry body.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Msg }

// NewProtocol builds a ProtocolError with a formatted message.
func NewProtocol(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// IoError wraps a local I/O failure: open, write, read, fsync, rename,
// readdir.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("io: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("io: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// NewIo wraps err as an IoError for operation op on path.
func NewIo(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IoError{Op: op, Path: path, Err: err}
}

// ServerError is a failure reported by the server itself, either in a
// result row-set or inside a COPY stream.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string { return "server: " + e.Msg }

// NewServer builds a ServerError with a formatted message.
func NewServer(format string, args ...any) error {
	return &ServerError{Msg: fmt.Sprintf(format, args...)}
}

// UserStop names the case where a SegmentHook requests termination. That
// case is not a failure: the walreceive engine reports it as success, a
// nil error together with the last streamed position, and does not
// return this value.
type UserStop struct{}

func (e *UserStop) Error() string { return "stream stopped by caller" }

// ErrUserStop is the single shared UserStop value.
var ErrUserStop = &UserStop{}
