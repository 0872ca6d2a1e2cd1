package model

import (
	"fmt"
	"strconv"
)

// IDKind distinguishes the namespaces of global ids.
type IDKind uint8

const (
	SystemID IDKind = iota
	UserID
	TransientID
	ExplainID
)

// GlobalID names a collection: a source, table, index, materialized view or
// sink.
type GlobalID struct {
	Kind  IDKind
	Value uint64
}

// System returns the system id s<v>.
func System(v uint64) GlobalID { return GlobalID{Kind: SystemID, Value: v} }

// User returns the user id u<v>.
func User(v uint64) GlobalID { return GlobalID{Kind: UserID, Value: v} }

// Transient returns the transient id t<v>.
func Transient(v uint64) GlobalID { return GlobalID{Kind: TransientID, Value: v} }

// Less orders ids by kind and then by value.
func (id GlobalID) Less(other GlobalID) bool {
	if id.Kind != other.Kind {
		return id.Kind < other.Kind
	}
	return id.Value < other.Value
}

// Compare returns -1, 0 or 1.
func (id GlobalID) Compare(other GlobalID) int {
	switch {
	case id.Less(other):
		return -1
	case other.Less(id):
		return 1
	default:
		return 0
	}
}

func (id GlobalID) String() string {
	switch id.Kind {
	case SystemID:
		return "s" + strconv.FormatUint(id.Value, 10)
	case UserID:
		return "u" + strconv.FormatUint(id.Value, 10)
	case TransientID:
		return "t" + strconv.FormatUint(id.Value, 10)
	default:
		return "Explained Query"
	}
}

// ParseGlobalID parses the textual form produced by String.
func ParseGlobalID(s string) (GlobalID, error) {
	if s == "Explained Query" {
		return GlobalID{Kind: ExplainID}, nil
	}
	if len(s) < 2 {
		return GlobalID{}, fmt.Errorf("couldn't parse id %q", s)
	}
	v, err := strconv.ParseUint(s[1:], 10, 64)
	if err != nil {
		return GlobalID{}, fmt.Errorf("couldn't parse id %q", s)
	}
	switch s[0] {
	case 's':
		return System(v), nil
	case 'u':
		return User(v), nil
	case 't':
		return Transient(v), nil
	}
	return GlobalID{}, fmt.Errorf("couldn't parse id %q", s)
}

func (id GlobalID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *GlobalID) UnmarshalText(b []byte) error {
	parsed, err := ParseGlobalID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ComputeInstanceID names a compute instance (a cluster).
type ComputeInstanceID uint64

func (id ComputeInstanceID) String() string {
	return "u" + strconv.FormatUint(uint64(id), 10)
}

// ReplicaID names one replica of a compute instance.
type ReplicaID uint64

func (id ReplicaID) String() string {
	return "r" + strconv.FormatUint(uint64(id), 10)
}
