package domain

import "errors"

var (
	// ErrValidation marks input rejected locally before any network call.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthenticated marks a missing or rejected credential. Callers should
	// send the user to sign-in instead of retrying.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrUpstreamUnavailable marks a relay or inference failure, including a
	// stream that ended before producing any bytes.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrPersistence marks a persistence failure after the reply was rendered.
	ErrPersistence = errors.New("conversation not saved")

	// ErrNotFound is returned when the backend has no such record.
	ErrNotFound = errors.New("not found")

	// ErrBackendUnavailable marks a transport failure talking to the backend.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBusy is returned when a send is attempted while another is streaming.
	ErrBusy = errors.New("a reply is still streaming")

	// ErrConversationSwitched is returned when the active conversation changed
	// while a reply was streaming.
	ErrConversationSwitched = errors.New("conversation switched during stream")
)
