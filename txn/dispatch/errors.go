package dispatch

import "errors"

var (
	ErrStrategyInvalid    = errors.New("invalid dispatch strategy")
	ErrStoreRequired      = errors.New("outbox store is required")
	ErrPublisherRequired  = errors.New("channel publisher is required")
	ErrSerializerRequired = errors.New("envelope serializer is required")
	ErrTxUnavailable      = errors.New("no transaction source can expose an outbox transaction")
)
