package inbox

import "errors"

var (
	// ErrMessageRequired is returned when a nil message is given to a store.
	ErrMessageRequired = errors.New("inbox message is required")

	// ErrStoreRequired is returned when a processor or gate is built
	// without a backing store.
	ErrStoreRequired = errors.New("inbox store is required")

	// ErrHandlerRequired is returned when a handler registration or a
	// gate invocation receives a nil handler.
	ErrHandlerRequired = errors.New("inbox handler is required")

	// ErrHandlerNotFound is returned when no handler is registered for an
	// event name.
	ErrHandlerNotFound = errors.New("inbox handler not found")

	// ErrHandlerExists is returned when a handler is registered twice for
	// the same event name.
	ErrHandlerExists = errors.New("inbox handler already registered")

	// ErrSerializerRequired is returned when a processor is built without
	// a serializer.
	ErrSerializerRequired = errors.New("inbox serializer is required")

	// ErrEventIDRequired is returned when a message carries a zero event id.
	ErrEventIDRequired = errors.New("inbox event id is required")

	// ErrEventNameRequired is returned when a message carries no event name.
	ErrEventNameRequired = errors.New("inbox event name is required")

	// ErrProcessorRunning is returned when Run is called on a processor
	// that is already running.
	ErrProcessorRunning = errors.New("inbox processor already running")

	// ErrClaimOwnerRequired is returned when Claim is called with an
	// empty owner identity.
	ErrClaimOwnerRequired = errors.New("inbox claim owner is required")

	// ErrStatusInvalid is returned when a status string cannot be parsed.
	ErrStatusInvalid = errors.New("invalid inbox status")

	// ErrMessageNotFound is returned by store operations that target a
	// message id with no stored row.
	ErrMessageNotFound = errors.New("inbox message not found")
)
