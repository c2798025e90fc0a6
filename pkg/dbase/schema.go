package dbase

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/ovn-org/libovsdb/model"

	"github.com/nvcore/northd/pkg/nbdb"
	"github.com/nvcore/northd/pkg/sbdb"
)

// Schema validates and coerces generic rows against the libovsdb row
// models registered in pkg/nbdb and pkg/sbdb: every fixture row is
// decoded into the table's model struct (by ovsdb tag) and read back
// out, so unknown tables and columns fail at load time and field
// values carry the types the structs declare (int, bool, []string,
// map[string]string, ...) instead of whatever YAML produced.
type Schema struct {
	// tables holds, per table name, the candidate model struct types.
	// Tables shared by both databases (DNS, Meter, ...) carry one type
	// per database; a row decodes against the first type that accepts
	// all of its columns.
	tables map[string][]reflect.Type
}

// NewSchema builds a Schema from one or more client database models.
func NewSchema(models ...model.ClientDBModel) *Schema {
	s := &Schema{tables: make(map[string][]reflect.Type)}
	for _, m := range models {
		for table, typ := range m.Types() {
			if typ.Kind() == reflect.Ptr {
				typ = typ.Elem()
			}
			s.tables[table] = append(s.tables[table], typ)
		}
	}
	return s
}

var defaultSchema = sync.OnceValues(func() (*Schema, error) {
	nbModel, err := nbdb.DBModel()
	if err != nil {
		return nil, fmt.Errorf("dbase: building northbound model: %w", err)
	}
	sbModel, err := sbdb.DBModel()
	if err != nil {
		return nil, fmt.Errorf("dbase: building southbound model: %w", err)
	}
	return NewSchema(nbModel, sbModel), nil
})

// DefaultSchema returns the Schema covering both the northbound and
// southbound models, built once per process.
func DefaultSchema() (*Schema, error) {
	return defaultSchema()
}

// DecodeRow decodes one raw field map into table's model struct and
// returns the struct's tagged values as a field map. Pointer-typed
// columns (optional in the wire schema) come back dereferenced; a
// column absent from the input stays absent from the output.
func (s *Schema) DecodeRow(table string, fields map[string]interface{}) (map[string]interface{}, error) {
	types, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("dbase: unknown table %q", table)
	}
	var firstErr error
	for _, typ := range types {
		out, err := decodeInto(typ, fields)
		if err == nil {
			return out, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("dbase: table %q: %w", table, firstErr)
}

func decodeInto(typ reflect.Type, fields map[string]interface{}) (map[string]interface{}, error) {
	byTag := make(map[string]int, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("ovsdb")
		if tag == "" || tag == "_uuid" {
			continue
		}
		byTag[tag] = i
	}

	row := reflect.New(typ).Elem()
	out := make(map[string]interface{}, len(fields))
	for col, raw := range fields {
		idx, ok := byTag[col]
		if !ok {
			return nil, fmt.Errorf("%s has no column %q", typ.Name(), col)
		}
		fv := row.Field(idx)
		if err := assignField(fv, raw); err != nil {
			return nil, fmt.Errorf("column %q: %v", col, err)
		}
		out[col] = derefField(fv)
	}
	return out, nil
}

// assignField coerces a YAML/JSON-decoded value into a model struct
// field.
func assignField(fv reflect.Value, raw interface{}) error {
	if raw == nil {
		return nil
	}
	switch fv.Kind() {
	case reflect.Ptr:
		elem := reflect.New(fv.Type().Elem())
		if err := assignField(elem.Elem(), raw); err != nil {
			return err
		}
		fv.Set(elem)

	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", raw)
		}
		fv.SetString(s)

	case reflect.Int:
		switch n := raw.(type) {
		case int:
			fv.SetInt(int64(n))
		case int64:
			fv.SetInt(n)
		case float64:
			fv.SetInt(int64(n))
		default:
			return fmt.Errorf("want int, got %T", raw)
		}

	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("want bool, got %T", raw)
		}
		fv.SetBool(b)

	case reflect.Slice:
		items, err := toSlice(raw)
		if err != nil {
			return err
		}
		out := reflect.MakeSlice(fv.Type(), 0, len(items))
		for _, item := range items {
			ev := reflect.New(fv.Type().Elem()).Elem()
			if err := assignField(ev, item); err != nil {
				return err
			}
			out = reflect.Append(out, ev)
		}
		fv.Set(out)

	case reflect.Map:
		entries, err := toMap(raw)
		if err != nil {
			return err
		}
		out := reflect.MakeMapWithSize(fv.Type(), len(entries))
		for k, v := range entries {
			ev := reflect.New(fv.Type().Elem()).Elem()
			if err := assignField(ev, v); err != nil {
				return fmt.Errorf("key %q: %v", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k), ev)
		}
		fv.Set(out)

	default:
		return fmt.Errorf("unsupported column kind %s", fv.Kind())
	}
	return nil
}

func toSlice(raw interface{}) ([]interface{}, error) {
	switch v := raw.(type) {
	case []interface{}:
		return v, nil
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("want list, got %T", raw)
}

func toMap(raw interface{}) (map[string]interface{}, error) {
	switch v := raw.(type) {
	case map[string]interface{}:
		return v, nil
	case map[string]string:
		out := make(map[string]interface{}, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("want map, got %T", raw)
}

// derefField unwraps pointer-typed (optional) columns so readers see
// the base value; a nil pointer decodes to nil.
func derefField(fv reflect.Value) interface{} {
	if fv.Kind() == reflect.Ptr {
		if fv.IsNil() {
			return nil
		}
		return fv.Elem().Interface()
	}
	return fv.Interface()
}
