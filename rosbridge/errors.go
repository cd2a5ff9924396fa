package rosbridge

import "fmt"

const (
	AlreadyConnectedError = iota

	CommandError

	ConnectionError

	ConnectionRefusedError

	DisconnectedError

	InvalidTopicError

	InvalidURIError

	MessageHandlerError

	ProtocolError

	ReconnectExhaustedError

	UnknownError
)

// NewError builds a typed client error from one of the package error codes
// and an optional detail value.
func NewError(errorCode int, message ...interface{}) error {
	var errorName string

	switch errorCode {
	case AlreadyConnectedError:
		errorName = "AlreadyConnectedError"
	case CommandError:
		errorName = "CommandError"
	case ConnectionError:
		errorName = "ConnectionError"
	case ConnectionRefusedError:
		errorName = "ConnectionRefusedError"
	case DisconnectedError:
		errorName = "DisconnectedError"
	case InvalidTopicError:
		errorName = "InvalidTopicError"
	case InvalidURIError:
		errorName = "InvalidURIError"
	case MessageHandlerError:
		errorName = "MessageHandlerError"
	case ProtocolError:
		errorName = "ProtocolError"
	case ReconnectExhaustedError:
		errorName = "ReconnectExhaustedError"
	default:
		errorName = "UnknownError"
	}

	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName, message[0])
	}

	return fmt.Errorf("%s", errorName)
}
