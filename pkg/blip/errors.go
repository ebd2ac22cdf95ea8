package blip

import "fmt"

// ProtocolError is raised by Protocol.Receive when the peer replies with an
// Error-kind message (BLIP kind 2). Error domain/code are pulled from the
// well-known Error-Domain/Error-Code properties.
type ProtocolError struct {
	Number     uint64
	Properties Properties
	Body       []byte
}

func (e *ProtocolError) Error() string {
	domain, _ := e.Properties.Get(PropErrorDomain)
	code, _ := e.Properties.Get(PropErrorCode)
	prefix := ""
	if domain != "" {
		prefix = " " + domain
	}
	if code != "" {
		prefix = fmt.Sprintf("%s %s", prefix, code)
	}
	return fmt.Sprintf("BLIP Error: MSG#%d%s %s", e.Number, prefix, e.Body)
}

// ErrorDomain returns the Error-Domain property of the underlying message,
// if present.
func (e *ProtocolError) ErrorDomain() string {
	v, _ := e.Properties.Get(PropErrorDomain)
	return v
}

// ErrorCode returns the Error-Code property of the underlying message, if
// present.
func (e *ProtocolError) ErrorCode() string {
	v, _ := e.Properties.Get(PropErrorCode)
	return v
}

// ClientError represents a failure of the transport pump itself: either the
// WebSocket upgrade was refused with a non-101 HTTP status, the socket
// closed unexpectedly, or a receive deadline expired (status 408).
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("blip: client error %d: %s", e.Status, e.Message)
}

// StatusCode returns the HTTP-style status code associated with this error
// (e.g. 401 NotAuthorized, 408 on a receive timeout, 500/501 on transport
// failure).
func (e *ClientError) StatusCode() int {
	return e.Status
}
