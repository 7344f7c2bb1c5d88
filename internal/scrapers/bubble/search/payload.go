package search

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PageSize is the number of hits the upstream returns per search call.
const PageSize = 10

const (
	GreaterOrEqual = "greater than or equal"
	LessThan       = "less than"
)

// ProtocolDriftError means a payload or response no longer has the shape this
// package understands. The loops treat it as a soft stop.
type ProtocolDriftError struct {
	Reason string
	Err    error
}

func (e *ProtocolDriftError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol drift: %s", e.Reason)
	}
	return fmt.Sprintf("protocol drift: %s: %s", e.Reason, e.Err.Error())
}

func (e *ProtocolDriftError) Unwrap() error {
	return e.Err
}

// Constraint is one search filter.
type Constraint struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Type  string `json:"constraint_type"`

	extra map[string]json.RawMessage
}

func (c *Constraint) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	err := json.Unmarshal(data, &fields)
	if err != nil {
		return err
	}
	err = takeField(fields, "key", &c.Key)
	if err != nil {
		return err
	}
	if raw, ok := fields["value"]; ok {
		delete(fields, "value")
		// json.Number keeps millisecond timestamps and ids exact
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		err = decoder.Decode(&c.Value)
		if err != nil {
			return fmt.Errorf("value: %w", err)
		}
	}
	err = takeField(fields, "constraint_type", &c.Type)
	if err != nil {
		return err
	}
	c.extra = fields
	return nil
}

func (c Constraint) MarshalJSON() ([]byte, error) {
	out := copyFields(c.extra)
	err := putField(out, "key", c.Key)
	if err != nil {
		return nil, err
	}
	err = putField(out, "value", c.Value)
	if err != nil {
		return nil, err
	}
	err = putField(out, "constraint_type", c.Type)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Definition is one search of a payload. Only the fields the pagination and
// day-bucketing edits touch are typed, every other field is carried through
// untouched.
type Definition struct {
	Constraints []Constraint
	// From is the hit offset, nil when the field was absent.
	From *int

	hasConstraints bool
	extra          map[string]json.RawMessage
}

func (d *Definition) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	err := json.Unmarshal(data, &fields)
	if err != nil {
		return err
	}
	if raw, ok := fields["constraints"]; ok && !isNull(raw) {
		err = json.Unmarshal(raw, &d.Constraints)
		if err != nil {
			return fmt.Errorf("constraints: %w", err)
		}
		d.hasConstraints = true
		delete(fields, "constraints")
	}
	if raw, ok := fields["from"]; ok && !isNull(raw) {
		var from int
		err = json.Unmarshal(raw, &from)
		if err != nil {
			return fmt.Errorf("from: %w", err)
		}
		d.From = &from
		delete(fields, "from")
	}
	d.extra = fields
	return nil
}

func (d Definition) MarshalJSON() ([]byte, error) {
	out := copyFields(d.extra)
	if d.hasConstraints || len(d.Constraints) > 0 {
		constraints := d.Constraints
		if constraints == nil {
			constraints = []Constraint{}
		}
		err := putField(out, "constraints", constraints)
		if err != nil {
			return nil, err
		}
	}
	if d.From != nil {
		err := putField(out, "from", *d.From)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// Field returns an untyped field of the definition.
func (d *Definition) Field(name string) (json.RawMessage, bool) {
	raw, ok := d.extra[name]
	return raw, ok
}

// SetOffset sets the hit offset of the definition.
func (d *Definition) SetOffset(offset int) {
	d.From = &offset
}

// UpsertConstraint replaces the value of the constraint with the same key and
// type, or appends c when there is none. It reports whether a constraint was
// replaced.
func (d *Definition) UpsertConstraint(c Constraint) bool {
	for i := range d.Constraints {
		existing := &d.Constraints[i]
		if existing.Key == c.Key && existing.Type == c.Type {
			existing.Value = c.Value
			return true
		}
	}
	d.Constraints = append(d.Constraints, c)
	return false
}

type payloadShape int

const (
	// {"searches": [...], ...}
	shapeSearches payloadShape = iota
	// [...]
	shapeArray
	// a single definition object
	shapeSingle
)

// Payload is a decrypted search payload.
type Payload struct {
	Definitions []*Definition

	shape payloadShape
	extra map[string]json.RawMessage
}

// ParsePayload parses a decrypted search payload. Anything but a JSON object
// or array is a *ProtocolDriftError.
func ParsePayload(data []byte) (*Payload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ProtocolDriftError{Reason: "empty payload"}
	}

	switch trimmed[0] {
	case '[':
		var defs []*Definition
		err := json.Unmarshal(trimmed, &defs)
		if err != nil {
			return nil, &ProtocolDriftError{Reason: "payload array", Err: err}
		}
		return &Payload{Definitions: nonNil(defs), shape: shapeArray}, nil
	case '{':
		fields := map[string]json.RawMessage{}
		err := json.Unmarshal(trimmed, &fields)
		if err != nil {
			return nil, &ProtocolDriftError{Reason: "payload object", Err: err}
		}
		searches, ok := fields["searches"]
		if !ok {
			var def Definition
			err = json.Unmarshal(trimmed, &def)
			if err != nil {
				return nil, &ProtocolDriftError{Reason: "payload definition", Err: err}
			}
			return &Payload{Definitions: []*Definition{&def}, shape: shapeSingle}, nil
		}
		var defs []*Definition
		err = json.Unmarshal(searches, &defs)
		if err != nil {
			return nil, &ProtocolDriftError{Reason: "payload searches", Err: err}
		}
		delete(fields, "searches")
		return &Payload{Definitions: nonNil(defs), shape: shapeSearches, extra: fields}, nil
	default:
		return nil, &ProtocolDriftError{Reason: "payload is not an object or array"}
	}
}

// NewPayload creates a payload in the {"searches": [...]} shape.
func NewPayload(defs ...*Definition) *Payload {
	return &Payload{Definitions: defs, shape: shapeSearches, extra: map[string]json.RawMessage{}}
}

// SetField sets a top level field of a {"searches": [...]} payload.
func (p *Payload) SetField(name string, value any) error {
	if p.shape != shapeSearches {
		return fmt.Errorf("payload has no top level fields")
	}
	if p.extra == nil {
		p.extra = map[string]json.RawMessage{}
	}
	return putField(p.extra, name, value)
}

func (p *Payload) MarshalJSON() ([]byte, error) {
	defs := p.Definitions
	if defs == nil {
		defs = []*Definition{}
	}
	switch p.shape {
	case shapeArray:
		return json.Marshal(defs)
	case shapeSingle:
		if len(defs) != 1 {
			return nil, fmt.Errorf("single definition payload holds %d definitions", len(defs))
		}
		return json.Marshal(defs[0])
	default:
		out := copyFields(p.extra)
		err := putField(out, "searches", defs)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

// SetOffset sets the offset of every definition.
func (p *Payload) SetOffset(offset int) {
	for _, d := range p.Definitions {
		d.SetOffset(offset)
	}
}

// UpsertConstraint upserts c into every definition.
func (p *Payload) UpsertConstraint(c Constraint) {
	for _, d := range p.Definitions {
		d.UpsertConstraint(c)
	}
}

func nonNil(defs []*Definition) []*Definition {
	out := make([]*Definition, 0, len(defs))
	for _, d := range defs {
		if d == nil {
			d = &Definition{}
		}
		out = append(out, d)
	}
	return out
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func takeField(fields map[string]json.RawMessage, name string, out any) error {
	raw, ok := fields[name]
	if !ok {
		return nil
	}
	delete(fields, name)
	if isNull(raw) {
		return nil
	}
	err := json.Unmarshal(raw, out)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func putField(fields map[string]json.RawMessage, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fields[name] = raw
	return nil
}

func copyFields(fields map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
