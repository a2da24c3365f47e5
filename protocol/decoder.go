package protocol

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Default decoder limits
const (
	DefaultMaxMessageBytes = 64 * 1024
	DefaultMaxDepth        = 32
	DefaultMaxArrayLength  = 1024
	DefaultMaxStringLength = 32 * 1024
)

var (
	ErrLimitExceeded = errors.New("decode limit exceeded")
	ErrUnknownType   = errors.New("unknown message type")
	ErrMalformed     = errors.New("malformed message")
)

// LimitKind identifies which decoder ceiling was hit.
type LimitKind int

const (
	LimitSize LimitKind = iota
	LimitDepth
	LimitArrayLength
	LimitStringLength
)

func (k LimitKind) String() string {
	switch k {
	case LimitSize:
		return "size"
	case LimitDepth:
		return "depth"
	case LimitArrayLength:
		return "array_length"
	case LimitStringLength:
		return "string_length"
	default:
		return "unknown"
	}
}

// LimitError reports the observed value and the configured ceiling so callers
// can log the violation without inspecting the payload again.
type LimitError struct {
	Kind     LimitKind
	Observed int
	Limit    int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d > %d", e.Kind, e.Observed, e.Limit)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// Limits bounds what the decoder is willing to parse. Zero fields fall back
// to the package defaults.
type Limits struct {
	MaxMessageBytes int
	MaxDepth        int
	MaxArrayLength  int
	MaxStringLength int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: DefaultMaxMessageBytes,
		MaxDepth:        DefaultMaxDepth,
		MaxArrayLength:  DefaultMaxArrayLength,
		MaxStringLength: DefaultMaxStringLength,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxMessageBytes <= 0 {
		l.MaxMessageBytes = d.MaxMessageBytes
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxArrayLength <= 0 {
		l.MaxArrayLength = d.MaxArrayLength
	}
	if l.MaxStringLength <= 0 {
		l.MaxStringLength = d.MaxStringLength
	}
	return l
}

// Decoder parses untrusted payloads under fixed structural limits.
// It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	limits Limits
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits.withDefaults()}
}

// Limits returns the effective limits.
func (d *Decoder) Limits() Limits {
	return d.limits
}

// Decode validates data against the limits, reads only the type
// discriminator, and then unmarshals the matching concrete message.
func (d *Decoder) Decode(data []byte) (Message, error) {
	if len(data) > d.limits.MaxMessageBytes {
		return nil, &LimitError{Kind: LimitSize, Observed: len(data), Limit: d.limits.MaxMessageBytes}
	}
	if err := d.Validate(data); err != nil {
		return nil, err
	}

	typ := json.Get(data, "type")
	if typ.ValueType() != jsoniter.StringValue {
		return nil, fmt.Errorf("%w: missing type discriminator", ErrMalformed)
	}
	t := Type(typ.ToString())

	msg, ok := newMessage(t)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	return msg, nil
}

// Validate walks the JSON structure once without materializing it and
// rejects the first limit violation. The top-level value must be an object.
func (d *Decoder) Validate(data []byte) error {
	if len(data) > d.limits.MaxMessageBytes {
		return &LimitError{Kind: LimitSize, Observed: len(data), Limit: d.limits.MaxMessageBytes}
	}

	iter := json.BorrowIterator(data)
	defer json.ReturnIterator(iter)

	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return fmt.Errorf("%w: top-level value is not an object", ErrMalformed)
	}
	if err := d.walk(iter, 1); err != nil {
		return err
	}
	if iter.Error != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, iter.Error)
	}
	return nil
}

// walk visits one value. depth counts the enclosing containers including the
// value itself when it is an object or array.
func (d *Decoder) walk(iter *jsoniter.Iterator, depth int) error {
	next := iter.WhatIsNext()
	if (next == jsoniter.ObjectValue || next == jsoniter.ArrayValue) && depth > d.limits.MaxDepth {
		return &LimitError{Kind: LimitDepth, Observed: depth, Limit: d.limits.MaxDepth}
	}

	var err error
	switch next {
	case jsoniter.ObjectValue:
		iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
			if len(field) > d.limits.MaxStringLength {
				err = &LimitError{Kind: LimitStringLength, Observed: len(field), Limit: d.limits.MaxStringLength}
				return false
			}
			err = d.walk(it, depth+1)
			return err == nil
		})
	case jsoniter.ArrayValue:
		n := 0
		iter.ReadArrayCB(func(it *jsoniter.Iterator) bool {
			n++
			if n > d.limits.MaxArrayLength {
				err = &LimitError{Kind: LimitArrayLength, Observed: n, Limit: d.limits.MaxArrayLength}
				return false
			}
			err = d.walk(it, depth+1)
			return err == nil
		})
	case jsoniter.StringValue:
		s := iter.ReadString()
		if len(s) > d.limits.MaxStringLength {
			err = &LimitError{Kind: LimitStringLength, Observed: len(s), Limit: d.limits.MaxStringLength}
		}
	case jsoniter.InvalidValue:
		return fmt.Errorf("%w: invalid value", ErrMalformed)
	default:
		iter.Skip()
	}

	if err != nil {
		return err
	}
	if iter.Error != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, iter.Error)
	}
	return nil
}
