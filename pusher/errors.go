package pusher

import "fmt"

const (
	AlreadyConnectedError = iota

	AuthorizationError

	CallbackError

	ConfigurationError

	ConnectionError

	DisconnectedError

	InvalidChannelError

	ProtocolError

	UnknownError
)

func errorName(errorCode int) string {
	switch errorCode {
	case AlreadyConnectedError:
		return "AlreadyConnectedError"
	case AuthorizationError:
		return "AuthorizationError"
	case CallbackError:
		return "CallbackError"
	case ConfigurationError:
		return "ConfigurationError"
	case ConnectionError:
		return "ConnectionError"
	case DisconnectedError:
		return "DisconnectedError"
	case InvalidChannelError:
		return "InvalidChannelError"
	case ProtocolError:
		return "ProtocolError"
	default:
		return "UnknownError"
	}
}

func NewError(errorCode int, message ...interface{}) error {
	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName(errorCode), message[0])
	}

	return fmt.Errorf("%s", errorName(errorCode))
}
