package chat

import "errors"

var (
	ErrAuthentication    = errors.New("authentication error")
	ErrUnauthorized      = errors.New("not authorized")
	ErrNotFound          = errors.New("not found")
	ErrTargetOffline     = errors.New("user is offline")
	ErrStore             = errors.New("store unavailable")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrUnknownEvent      = errors.New("unknown event")
	ErrGroupCallTooLarge = errors.New("group call too large")

	errLogout    = errors.New("logout")
	errMalformed = errors.New("malformed envelope")
)

// publicErrors may be shown to the client verbatim; anything else is replaced
// by an operation specific message.
var publicErrors = []error{
	ErrUnauthorized,
	ErrNotFound,
	ErrTargetOffline,
	ErrInvalidPayload,
	ErrUnknownEvent,
	ErrGroupCallTooLarge,
}

func publicMessage(err error, fallback string) string {
	for _, known := range publicErrors {
		if errors.Is(err, known) {
			return err.Error()
		}
	}
	return fallback
}

// errorKind is the metrics label for err.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "authorization"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTargetOffline):
		return "target_unavailable"
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrGroupCallTooLarge),
		errors.Is(err, errMalformed):
		return "invalid"
	case errors.Is(err, ErrStore):
		return "store"
	default:
		return "internal"
	}
}
