package wire

import "fmt"

// The error kinds named in spec §7. TransportError and PeerLost are raised
// as events (see internal/transport) rather than returned, since they are
// handled locally by the link owner; the rest are ordinary Go errors.

type ProtocolViolationError struct {
	Detail string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Detail)
}

type InsufficientStockError struct {
	Flavor FlavorId
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: flavor %d", e.Flavor)
}

type PaymentCaptureFailedError struct {
	OrderID OrderID
}

func (e *PaymentCaptureFailedError) Error() string {
	return fmt.Sprintf("payment capture failed for order %s", e.OrderID)
}

type TimeoutKind string

const (
	TimeoutKindToken TimeoutKind = "token"
)

type TimeoutError struct {
	Kind   TimeoutKind
	Detail string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout(%s): %s", e.Kind, e.Detail)
}

type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s", e.Detail)
}
