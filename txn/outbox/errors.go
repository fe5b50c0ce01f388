package outbox

import "errors"

var (
	ErrMessageRequired    = errors.New("outbox message is required")
	ErrStoreRequired      = errors.New("outbox store is required")
	ErrPublisherRequired  = errors.New("channel publisher is required")
	ErrSerializerRequired = errors.New("envelope serializer is required")
	ErrProcessorRequired  = errors.New("outbox processor is required")
	ErrProcessorRunning   = errors.New("outbox processor is already running")
	ErrPayloadRequired    = errors.New("outbox message payload is required")
	ErrEventNameRequired  = errors.New("outbox message event name is required")
	ErrLeaseOwnerRequired = errors.New("lease owner is required")
	ErrStatusInvalid      = errors.New("invalid outbox status")
	ErrTransitionInvalid  = errors.New("invalid outbox status transition")
	ErrMessageNotFound    = errors.New("outbox message not found")
)
