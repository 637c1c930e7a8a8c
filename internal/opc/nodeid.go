package opc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gopcua/opcua/ua"
)

// IDKind is the identifier kind of a node ID.
type IDKind byte

const (
	IDKindNumeric    IDKind = 'i'
	IDKindString     IDKind = 's'
	IDKindGUID       IDKind = 'g'
	IDKindByteString IDKind = 'b'
)

// objectsFolder is the standard root of the browsable address space (ns=0;i=85).
const objectsFolder = 85

// NodeID identifies a node in the server's address space.
// NodeIDs are comparable values; two NodeIDs are equal exactly when their
// canonical string forms are equal, so they can be used as map keys.
type NodeID struct {
	namespace  uint16
	kind       IDKind
	identifier string
	canonical  string
}

// ObjectsFolder returns the ID of the standard Objects folder.
func ObjectsFolder() NodeID {
	return FromUA(ua.NewNumericNodeID(0, objectsFolder))
}

// ParseNodeID parses an address string such as "ns=2;s=Machine.Speed" or "i=2258".
// The result is canonicalized, so equivalent spellings compare equal.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NodeID{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	if err := checkAddressForm(s); err != nil {
		return NodeID{}, err
	}
	id, err := ua.ParseNodeID(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	return FromUA(id), nil
}

// checkAddressForm rejects text that is not an explicit "[ns=<n>;]<k>=<id>"
// address. The wire parser would accept it as a bare string identifier.
func checkAddressForm(s string) error {
	rest := s
	if strings.HasPrefix(rest, "ns=") {
		i := strings.IndexByte(rest, ';')
		if i < 0 {
			return fmt.Errorf("%w: %q: missing identifier", ErrInvalidAddress, s)
		}
		if _, err := strconv.ParseUint(rest[len("ns="):i], 10, 16); err != nil {
			return fmt.Errorf("%w: %q: bad namespace", ErrInvalidAddress, s)
		}
		rest = rest[i+1:]
	}
	if len(rest) < 3 || rest[1] != '=' {
		return fmt.Errorf("%w: %q: missing identifier kind", ErrInvalidAddress, s)
	}
	switch IDKind(rest[0]) {
	case IDKindNumeric, IDKindString, IDKindGUID, IDKindByteString:
		return nil
	}
	return fmt.Errorf("%w: %q: unknown identifier kind %q", ErrInvalidAddress, s, rest[0])
}

// MustParseNodeID is like ParseNodeID but panics on error. For constants and tests.
func MustParseNodeID(s string) NodeID {
	id, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromUA converts a wire node ID, e.g. one returned by a browse.
func FromUA(id *ua.NodeID) NodeID {
	if id == nil {
		return NodeID{}
	}
	canonical := id.String()
	rest := canonical
	if i := strings.IndexByte(rest, ';'); i >= 0 && strings.HasPrefix(rest, "ns=") {
		rest = rest[i+1:]
	}
	n := NodeID{namespace: id.Namespace(), canonical: canonical}
	if len(rest) >= 2 && rest[1] == '=' {
		n.kind = IDKind(rest[0])
		n.identifier = rest[2:]
	} else {
		n.identifier = rest
	}
	return n
}

// UA converts the ID to its wire form. The zero NodeID converts to nil.
func (n NodeID) UA() *ua.NodeID {
	if n.canonical == "" {
		return nil
	}
	id, err := ua.ParseNodeID(n.canonical)
	if err != nil {
		// canonical always comes from a parsed ID
		panic(fmt.Sprintf("opc: unparsable canonical node id %q: %v", n.canonical, err))
	}
	return id
}

// Namespace returns the namespace index.
func (n NodeID) Namespace() uint16 { return n.namespace }

// Kind returns the identifier kind.
func (n NodeID) Kind() IDKind { return n.kind }

// Identifier returns the identifier without namespace or kind prefix.
func (n NodeID) Identifier() string { return n.identifier }

// IsZero reports whether n is the zero NodeID.
func (n NodeID) IsZero() bool { return n.canonical == "" }

// String returns the canonical, parseable form.
func (n NodeID) String() string { return n.canonical }
