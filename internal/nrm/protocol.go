package nrm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Guliveer/nrmextra/internal/codec"
	"github.com/Guliveer/nrmextra/internal/models"
)

// Actions understood by the daemon's RPC endpoint. Every request is a
// CBOR map carrying "action" and "session" plus action-specific fields.
const (
	ActionOpenSession    = "open_session"
	ActionCloseSession   = "close_session"
	ActionAddSensor      = "add_sensor"
	ActionRemoveSensor   = "remove_sensor"
	ActionListScopes     = "list_scopes"
	ActionAddScope       = "add_scope"
	ActionRemoveScope    = "remove_scope"
	ActionFindOrAddScope = "find_or_add_scope"
)

// UnknownActionPrefix starts the error message a daemon returns for an
// action it does not implement.
const UnknownActionPrefix = "unknown action"

// Response is the envelope of every RPC reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Request is the decoded form of an RPC request as seen by a daemon.
type Request struct {
	Action  string         `cbor:"action"`
	Session string         `cbor:"session"`
	Sensor  *models.Sensor `cbor:"sensor,omitempty"`
	Scope   *models.Scope  `cbor:"scope,omitempty"`
	Tool    string         `cbor:"tool,omitempty"`
}

// FindOrAddResult is the data of a find_or_add_scope reply.
type FindOrAddResult struct {
	Scope   models.Scope `cbor:"scope"`
	Created bool         `cbor:"created"`
}

var (
	// ErrClosed is returned by every operation on a closed client.
	ErrClosed = errors.New("nrm: client closed")

	// ErrUnsupported is returned when the daemon does not implement an
	// optional action.
	ErrUnsupported = errors.New("nrm: action not supported by daemon")
)

// ServiceError is a failure reported by the daemon (ok=false).
type ServiceError struct {
	Action  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("daemon error on %q: %s", e.Action, e.Message)
}

// Is lets errors.Is(err, ErrUnsupported) match unknown-action replies.
func (e *ServiceError) Is(target error) bool {
	return target == ErrUnsupported && strings.HasPrefix(e.Message, UnknownActionPrefix)
}
