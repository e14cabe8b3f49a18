// Package id defines the TypeID identifiers used for jobs, schedules and
// workers.
//
// IDs render as "prefix_suffix" where the suffix is a UUIDv7 in base32.
// Because UUIDv7 leads with a millisecond timestamp, the string form of
// two IDs with the same prefix sorts in creation order. Queue ordering
// relies on that as its final tie-breaker.
package id

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

// Prefix names the entity type encoded in an ID.
type Prefix string

const (
	PrefixJob      Prefix = "job"
	PrefixSchedule Prefix = "cron"
	PrefixWorker   Prefix = "wkr"
)

// ID wraps a TypeID. The zero value is Nil.
//
//nolint:recvcheck // value receivers for reads, pointer receivers for decoding
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// JobID identifies a job (prefix "job").
type JobID = ID

// ScheduleID identifies a cron schedule (prefix "cron").
type ScheduleID = ID

// WorkerID identifies a worker (prefix "wkr").
type WorkerID = ID

// New generates an ID with the given prefix. An invalid prefix is a
// programming error and panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

func NewJobID() JobID           { return New(PrefixJob) }
func NewScheduleID() ScheduleID { return New(PrefixSchedule) }
func NewWorkerID() WorkerID     { return New(PrefixWorker) }

// Parse decodes any prefixed ID.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix decodes s and rejects IDs of a different entity type.
func ParseWithPrefix(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := parsed.Prefix(); got != want {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", want, got)
	}
	return parsed, nil
}

func ParseJobID(s string) (JobID, error)           { return ParseWithPrefix(s, PrefixJob) }
func ParseScheduleID(s string) (ScheduleID, error) { return ParseWithPrefix(s, PrefixSchedule) }
func ParseWorkerID(s string) (WorkerID, error)     { return ParseWithPrefix(s, PrefixWorker) }

// MustParse is like Parse but panics on error. Use for literals in tests.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}
	return parsed
}

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the entity prefix, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// Compare orders IDs by creation time. Nil sorts first.
func Compare(a, b ID) int {
	return strings.Compare(a.String(), b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
