package sync

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/overhaulhq/shopsync/internal/validation"
)

// FieldKind is the wire/storage type of a replicated field.
type FieldKind int

const (
	// FieldString is a UTF-8 string stored as TEXT.
	FieldString FieldKind = iota
	// FieldNumber is a JSON number stored with NUMERIC affinity.
	FieldNumber
	// FieldBool is a JSON boolean stored as INTEGER 0/1.
	FieldBool
	// FieldTimestamp is a nullable integer-millisecond epoch timestamp.
	FieldTimestamp
	// FieldJSON is a JSON document carried as an encoded string, stored as TEXT.
	FieldJSON
)

// Field declares one replicated column: its wire key, storage column,
// kind, and validation constraints.
type Field struct {
	Wire     string
	DB       string
	Kind     FieldKind
	Required bool

	// MaxLen caps string length in runes; 0 means the 1024 default.
	MaxLen int
	// Enum restricts a string field to the listed values.
	Enum []string
	// CodeFormat enforces the short machine-code format (lowercase snake).
	CodeFormat bool
	// IDFormat enforces the row-identifier format.
	IDFormat bool
	// RefTable names the table a foreign id field points at; used by the
	// store's pre-write reference checks.
	RefTable string
}

// Table is one entry of the sync table registry: everything the push and
// pull paths need to know about a replicated table.
type Table struct {
	// SyncName is the stable wire identifier and the SQL table name.
	SyncName string
	Fields   []Field

	// ConflictTarget lists the storage columns the UPSERT is keyed by.
	ConflictTarget []string

	// DependencyOrder applies parents before children during push and pull.
	DependencyOrder int

	// ParentTable/ParentKey name the parent entity relation of a child
	// table; parent rows get a synthetic touch when children change.
	ParentTable string
	ParentKey   string

	// UniqueLive lists column sets that must be unique among live
	// (deleted_at IS NULL) rows; violations reject the incoming row.
	UniqueLive [][]string

	// NoiseFields is the semantic-change allow-list used by the moderation
	// view. Empty means every change is significant (never suppressed).
	NoiseFields []string
}

const defaultMaxLen = 1024

// field returns the declaration for a wire key.
func (t *Table) field(wire string) *Field {
	for i := range t.Fields {
		if t.Fields[i].Wire == wire {
			return &t.Fields[i]
		}
	}
	return nil
}

// DBColumns returns the storage columns in declaration order.
func (t *Table) DBColumns() []string {
	cols := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		cols = append(cols, f.DB)
	}
	return cols
}

// NormalizeRow validates a wire row against the table schema and returns a
// normalized copy: every declared field present, numbers as float64,
// timestamps as int64 ms, absent optional fields as explicit nulls. The
// returned errors are empty when the row is valid.
func (t *Table) NormalizeRow(row map[string]any) (map[string]any, []validation.ValidationError) {
	c := &validation.Collector{}
	out := make(map[string]any, len(t.Fields))

	for key := range row {
		if t.field(key) == nil {
			c.Add(&validation.ValidationError{Field: key, Message: "unknown field"})
		}
	}

	for _, f := range t.Fields {
		raw, present := row[f.Wire]
		if !present || raw == nil {
			if f.Required {
				c.Add(&validation.ValidationError{Field: f.Wire, Message: "is required"})
			}
			out[f.Wire] = nil
			continue
		}
		out[f.Wire] = t.normalizeValue(f, raw, c)
	}

	if c.HasErrors() {
		return nil, c.Errors()
	}
	return out, nil
}

func (t *Table) normalizeValue(f Field, raw any, c *validation.Collector) any {
	switch f.Kind {
	case FieldString:
		s, ok := raw.(string)
		if !ok {
			c.Add(&validation.ValidationError{Field: f.Wire, Message: "must be a string"})
			return nil
		}
		c.Add(validation.ValidateUTF8(f.Wire, s))
		c.Add(validation.ValidateNoNullBytes(f.Wire, s))
		max := f.MaxLen
		if max == 0 {
			max = defaultMaxLen
		}
		c.Add(validation.ValidateMaxLength(f.Wire, s, max))
		if f.Required {
			c.Add(validation.ValidateRequired(f.Wire, s))
		}
		if f.IDFormat {
			c.Add(validation.ValidateIdentifier(f.Wire, s))
		}
		if f.CodeFormat {
			c.Add(validation.ValidateCode(f.Wire, s))
		}
		if len(f.Enum) > 0 {
			c.Add(validation.ValidateEnum(f.Wire, s, f.Enum))
		}
		return s

	case FieldNumber:
		n, ok := asFloat(raw)
		if !ok {
			c.Add(&validation.ValidationError{Field: f.Wire, Message: "must be a number"})
			return nil
		}
		return n

	case FieldBool:
		b, ok := raw.(bool)
		if !ok {
			c.Add(&validation.ValidationError{Field: f.Wire, Message: "must be a boolean"})
			return nil
		}
		return b

	case FieldTimestamp:
		ms, ok := asInt64(raw)
		if !ok {
			c.Add(&validation.ValidationError{Field: f.Wire, Message: "must be an integer millisecond timestamp"})
			return nil
		}
		c.Add(validation.ValidateTimestampMs(f.Wire, ms))
		return ms

	case FieldJSON:
		s, ok := raw.(string)
		if !ok {
			c.Add(&validation.ValidationError{Field: f.Wire, Message: "must be a JSON-encoded string"})
			return nil
		}
		c.Add(validation.ValidateJSONText(f.Wire, s))
		return s
	}
	c.Add(&validation.ValidationError{Field: f.Wire, Message: "unsupported field kind"})
	return nil
}

// RowID extracts the row identifier from a wire row.
func (t *Table) RowID(row map[string]any) string {
	id, _ := row["id"].(string)
	return id
}

// UpdatedAt extracts the updated_at timestamp from a normalized row.
func (t *Table) UpdatedAt(row map[string]any) int64 {
	ms, _ := asInt64(row["updated_at"])
	return ms
}

// Deleted reports whether a normalized row carries a soft-delete marker.
func (t *Table) Deleted(row map[string]any) bool {
	return row["deleted_at"] != nil
}

// ToDbRow converts a normalized wire row into storage columns and args,
// in declaration order. Booleans become 0/1, null timestamps become NULL.
func (t *Table) ToDbRow(row map[string]any) ([]string, []any) {
	cols := make([]string, 0, len(t.Fields))
	args := make([]any, 0, len(t.Fields))
	for _, f := range t.Fields {
		cols = append(cols, f.DB)
		v := row[f.Wire]
		if b, ok := v.(bool); ok {
			if b {
				v = int64(1)
			} else {
				v = int64(0)
			}
		}
		args = append(args, v)
	}
	return cols, args
}

// ToWireRow converts scanned storage values (aligned with DBColumns) back
// into a normalized wire row.
func (t *Table) ToWireRow(values []any) (map[string]any, error) {
	if len(values) != len(t.Fields) {
		return nil, fmt.Errorf("table %s: expected %d columns, got %d", t.SyncName, len(t.Fields), len(values))
	}
	row := make(map[string]any, len(t.Fields))
	for i, f := range t.Fields {
		v := values[i]
		if v == nil {
			row[f.Wire] = nil
			continue
		}
		switch f.Kind {
		case FieldString, FieldJSON:
			switch s := v.(type) {
			case string:
				row[f.Wire] = s
			case []byte:
				row[f.Wire] = string(s)
			default:
				return nil, fmt.Errorf("table %s: column %s: unexpected %T", t.SyncName, f.DB, v)
			}
		case FieldNumber:
			n, ok := asFloat(v)
			if !ok {
				return nil, fmt.Errorf("table %s: column %s: unexpected %T", t.SyncName, f.DB, v)
			}
			row[f.Wire] = n
		case FieldBool:
			n, ok := asInt64(v)
			if !ok {
				return nil, fmt.Errorf("table %s: column %s: unexpected %T", t.SyncName, f.DB, v)
			}
			row[f.Wire] = n != 0
		case FieldTimestamp:
			ms, ok := asInt64(v)
			if !ok {
				return nil, fmt.Errorf("table %s: column %s: unexpected %T", t.SyncName, f.DB, v)
			}
			row[f.Wire] = ms
		}
	}
	return row, nil
}

// SignificantChange reports whether after differs from before on any field
// of the table's noise allow-list. Tables without an allow-list treat every
// change as significant.
func (t *Table) SignificantChange(before, after map[string]any) bool {
	if len(t.NoiseFields) == 0 {
		return true
	}
	if before == nil {
		return true
	}
	for _, key := range t.NoiseFields {
		if !reflect.DeepEqual(normalizeLoose(before[key]), normalizeLoose(after[key])) {
			return true
		}
	}
	return false
}

// LabelRule resolves a display label for entities of one type: the first
// candidate group with any non-empty values wins, members joined by spaces.
type LabelRule struct {
	TypeCode string
	Groups   [][]string
}

// Registry is the compile-time set of replicated tables.
type Registry struct {
	tables map[string]*Table
	order  []*Table
	labels []LabelRule
}

// NewRegistry builds a registry from table declarations.
func NewRegistry(tables []*Table, labels []LabelRule) *Registry {
	r := &Registry{
		tables: make(map[string]*Table, len(tables)),
		labels: labels,
	}
	for _, t := range tables {
		r.tables[t.SyncName] = t
		r.order = append(r.order, t)
	}
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.order[i].DependencyOrder < r.order[j].DependencyOrder
	})
	return r
}

// Lookup returns the table declaration for a wire identifier.
func (r *Registry) Lookup(syncName string) (*Table, bool) {
	t, ok := r.tables[syncName]
	return t, ok
}

// InDependencyOrder returns all tables, parents first.
func (r *Registry) InDependencyOrder() []*Table {
	return r.order
}

// LabelRuleFor returns the label rule of an entity type code, if any.
func (r *Registry) LabelRuleFor(typeCode string) (LabelRule, bool) {
	for _, rule := range r.labels {
		if rule.TypeCode == typeCode {
			return rule, true
		}
	}
	return LabelRule{}, false
}

// LabelRules returns all configured label rules.
func (r *Registry) LabelRules() []LabelRule {
	return r.labels
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		i := int64(n)
		if float64(i) != n {
			return 0, false
		}
		return i, true
	case json.Number:
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// normalizeLoose coerces numeric JSON values so noise comparison does not
// distinguish 5 from 5.0 across decode paths.
func normalizeLoose(v any) any {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	if i, ok := v.(int64); ok {
		return float64(i)
	}
	return v
}
