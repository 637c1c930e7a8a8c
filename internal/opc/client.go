package opc

import (
	"context"
	"time"

	"github.com/gopcua/opcua/ua"
)

// Reference is one child returned by a browse.
type Reference struct {
	ID   NodeID
	Name string
	Type NodeType
}

// ItemRequest asks for one monitored item in a group.
type ItemRequest struct {
	NodeID           NodeID
	Handle           uint32
	SamplingInterval time.Duration
	QueueSize        uint32
}

// GroupRequest asks for one server-side subscription holding Items.
type GroupRequest struct {
	PublishingInterval time.Duration
	Items              []ItemRequest
}

// Group is a server-side subscription created by Client.CreateGroup.
// Implementations must be comparable; groups are used as map keys.
type Group interface {
	ID() uint32
	Delete(ctx context.Context) error
}

// FaultKind classifies asynchronous group problems.
type FaultKind int

const (
	// FaultStatusChanged reports a server-side status transition of the group.
	FaultStatusChanged FaultKind = iota
	// FaultDataLost reports notifications the server could not deliver.
	FaultDataLost
	// FaultTransferFailed reports that the group could not be kept alive on the session.
	FaultTransferFailed
	// FaultWatchdog reports that no publish response arrived in time.
	FaultWatchdog
)

func (k FaultKind) String() string {
	switch k {
	case FaultStatusChanged:
		return "status-changed"
	case FaultDataLost:
		return "data-lost"
	case FaultTransferFailed:
		return "transfer-failed"
	case FaultWatchdog:
		return "watchdog"
	}
	return "unknown"
}

// GroupHandler receives notifications for groups. Calls arrive on the client's
// I/O goroutine and must not block on anything but in-memory state.
type GroupHandler interface {
	OnValue(group Group, handle uint32, value *ua.DataValue)
	OnFault(group Group, kind FaultKind, status ua.StatusCode)
}

// Client is the low-level protocol capability the subscription engine drives.
// Every returned error wraps ErrClient.
type Client interface {
	// Browse returns the children of each parent with resolved types.
	Browse(ctx context.Context, parents []NodeID) ([][]Reference, error)
	// ResolveNodes determines the type of each node; unknown nodes resolve to TypeNotFound.
	ResolveNodes(ctx context.Context, ids []NodeID) ([]NodeType, error)
	// Read reads the current value of a node.
	Read(ctx context.Context, id NodeID) (*ua.DataValue, error)
	// CreateGroup creates a server-side subscription with its monitored items.
	// Nothing is left on the server when it fails.
	CreateGroup(ctx context.Context, req GroupRequest, h GroupHandler) (Group, error)
	// Done is closed once the connection is lost or closed.
	Done() <-chan struct{}
	Close(ctx context.Context) error
}
