package broker

import "fmt"

// ConnectError reports a failure to establish a usable broker session.
// Op is one of "dial", "channel" or "declare".
type ConnectError struct {
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("broker connect: %s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// PublishError reports a message that did not reach the broker.
// Op is one of "reconnect", "encode" or "publish".
type PublishError struct {
	Op  string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("broker publish: %s: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
