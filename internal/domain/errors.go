package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a transport failure on the streaming session
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "ping")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ProtocolError is raised when a frame cannot be applied to the table store.
// It only ever poisons the frame (or the item) it was raised for.
type ProtocolError struct {
	Table  string
	Action string
	Err    error
}

func (e *ProtocolError) Error() string {
	return "protocol error [" + e.Table + "/" + e.Action + "]: " + e.Err.Error()
}

func (e *ProtocolError) IsRetriable() bool {
	return false
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// PublishError wraps a failed bus publish for one record.
type PublishError struct {
	OrderID string
	Err     error
}

func (e *PublishError) Error() string {
	return "publish failed [" + e.OrderID + "]: " + e.Err.Error()
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

var (
	// ErrConnectionTimeout is returned when the websocket handshake is not
	// established within the connect bound.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrExited is returned by operations attempted after Exit.
	ErrExited = errors.New("connection manager exited")

	// ErrUnknownAction is returned for an action outside partial/insert/update/delete.
	ErrUnknownAction = errors.New("unknown action")

	// ErrTableNotFound is returned when a mutation targets a table that never received a partial.
	ErrTableNotFound = errors.New("table not found")

	// ErrNoMatch is returned when an update or delete references a record absent from the table.
	ErrNoMatch = errors.New("no record matches keys")

	// ErrMalformedFrame is returned when a frame is not valid JSON.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrCredentialsIncomplete is returned when api_key or secret is empty.
	ErrCredentialsIncomplete = errors.New("api_key or secret is missing")
)
