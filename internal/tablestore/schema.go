// Handles table schemas and reflection-based schema generation.

package tablestore

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/maruel/corates/internal/models"
)

// ColumnType is the primitive type of a column.
type ColumnType string

const (
	// ColumnString holds text, including JSON text payloads.
	ColumnString ColumnType = "string"
	// ColumnNumber holds integers and floats.
	ColumnNumber ColumnType = "number"
	// ColumnBoolean holds true or false.
	ColumnBoolean ColumnType = "boolean"
)

// Column describes one column of a table.
type Column struct {
	Name        string     `json:"name"`
	Type        ColumnType `json:"type"`
	Required    bool       `json:"required,omitempty"`
	Default     any        `json:"default,omitempty"`
	Description string     `json:"description,omitempty"`
}

// TableSchema describes one table.
type TableSchema struct {
	Name    models.TableName `json:"name"`
	Columns []Column         `json:"columns"`

	byName map[string]int
	decode func([]byte) (models.Row, error)
}

// Column returns the named column.
func (t *TableSchema) Column(name string) (Column, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Column{}, false
	}
	return t.Columns[i], true
}

// Schema maps every table to its schema.
type Schema map[models.TableName]*TableSchema

// DefaultSchema returns the schema of every table in [models.Tables].
func DefaultSchema() Schema {
	s := Schema{}
	add := func(ts *TableSchema) { s[ts.Name] = ts }
	add(reflectTable[models.User](models.TableUsers))
	add(reflectTable[models.Project](models.TableProjects))
	add(reflectTable[models.ProjectMember](models.TableProjectMembers))
	add(reflectTable[models.Review](models.TableReviews))
	add(reflectTable[models.ReviewAssignment](models.TableReviewAssignments))
	add(reflectTable[models.Checklist](models.TableChecklists))
	add(reflectTable[models.ChecklistAnswer](models.TableChecklistAnswers))
	return s
}

// Validate checks every table in models.Tables has a schema.
func (s Schema) Validate() error {
	for _, name := range models.Tables {
		ts, ok := s[name]
		if !ok {
			return fmt.Errorf("schema: missing table %s", name)
		}
		if len(ts.Columns) == 0 {
			return fmt.Errorf("schema: table %s has no column", name)
		}
	}
	return nil
}

// reflectTable extracts column definitions using JSON Schema reflection.
//
// Descriptions and defaults come from `jsonschema:"..."` tags; a column is
// required when tagged `jsonschema:"required"`.
func reflectTable[T models.Row](name models.TableName) *TableSchema {
	structType := reflect.TypeFor[T]()
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true, RequiredFromJSONSchemaTags: true}
	js := r.ReflectFromType(structType)

	required := make(map[string]bool, len(js.Required))
	for _, n := range js.Required {
		required[n] = true
	}
	ts := &TableSchema{
		Name:   name,
		byName: map[string]int{},
		decode: decodeAs[T],
	}
	for pair := js.Properties.Oldest(); pair != nil; pair = pair.Next() {
		colType := ColumnString
		for i := range structType.NumField() {
			field := structType.Field(i)
			if jsonFieldName(&field) == pair.Key {
				colType = goTypeToColumnType(field.Type)
				break
			}
		}
		ts.byName[pair.Key] = len(ts.Columns)
		ts.Columns = append(ts.Columns, Column{
			Name:        pair.Key,
			Type:        colType,
			Required:    required[pair.Key],
			Default:     pair.Value.Default,
			Description: pair.Value.Description,
		})
	}
	return ts
}

func jsonFieldName(field *reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" || tag == "-" {
		return field.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return field.Name
	}
	return name
}

func goTypeToColumnType(t reflect.Type) ColumnType {
	switch t.Kind() {
	case reflect.Bool:
		return ColumnBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return ColumnNumber
	default:
		return ColumnString
	}
}
