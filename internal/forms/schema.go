package forms

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/noah-isme/service-portal-api/internal/models"
)

// Schema is the machine-readable description of one form type.
type Schema struct {
	FormType models.FormType `json:"formType"`
	Service  string          `json:"service"`
	Fields   []SchemaField   `json:"fields"`
}

// SchemaField describes one payload field.
type SchemaField struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Required bool          `json:"required"`
	Rules    string        `json:"rules,omitempty"`
	Options  []string      `json:"options,omitempty"`
	Items    string        `json:"items,omitempty"`
	Fields   []SchemaField `json:"fields,omitempty"`
}

var oneofParam = regexp.MustCompile(`'[^']*'|\S+`)

func buildSchema(def definition) Schema {
	t := reflect.TypeOf(def.newFn()).Elem()
	return Schema{FormType: def.formType, Service: def.service, Fields: describeStruct(t)}
}

func describeStruct(t reflect.Type) []SchemaField {
	fields := make([]SchemaField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := jsonFieldName(sf)
		if name == "" {
			continue
		}
		rules := sf.Tag.Get("validate")
		field := SchemaField{
			Name:     name,
			Type:     kindName(sf.Type),
			Required: hasRule(rules, "required"),
			Rules:    rules,
			Options:  oneofOptions(rules),
		}

		elem := sf.Type
		for elem.Kind() == reflect.Ptr {
			elem = elem.Elem()
		}
		switch elem.Kind() {
		case reflect.Struct:
			field.Fields = describeStruct(elem)
		case reflect.Slice:
			item := elem.Elem()
			field.Items = kindName(item)
			if item.Kind() == reflect.Struct {
				field.Fields = describeStruct(item)
			}
		}
		fields = append(fields, field)
	}
	return fields
}

func kindName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Struct, reflect.Map:
		return "object"
	default:
		return t.Kind().String()
	}
}

func hasRule(rules, name string) bool {
	for _, rule := range strings.Split(rules, ",") {
		if rule == name {
			return true
		}
	}
	return false
}

// oneofOptions reads the option list of a oneof rule. Options may be single-quoted
// when they contain spaces; commas never appear inside options.
func oneofOptions(rules string) []string {
	for _, rule := range strings.Split(rules, ",") {
		param, ok := strings.CutPrefix(rule, "oneof=")
		if !ok {
			continue
		}
		matches := oneofParam.FindAllString(param, -1)
		out := make([]string, 0, len(matches))
		for _, m := range matches {
			out = append(out, strings.Trim(m, "'"))
		}
		return out
	}
	return nil
}
