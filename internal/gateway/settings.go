package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/benaskins/lyceum/internal/config"
)

// setting is one registry entry: a field of config.Settings, addressed by
// its json name and checked by its validate tag.
type setting struct {
	name  string
	index int
	typ   reflect.Type
	rule  string
}

// registry is built once from config.Settings so the accepted names, types
// and validators cannot drift from the persisted schema.
var registry = buildRegistry()

func buildRegistry() map[string]setting {
	t := reflect.TypeFor[config.Settings]()
	out := make(map[string]setting, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		out[name] = setting{name: name, index: i, typ: f.Type, rule: f.Tag.Get("validate")}
	}
	return out
}

// SettingNames lists every setting the gateway accepts, sorted.
func SettingNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// decode parses raw strictly into the setting's type: no null, no type
// coercion, no trailing data.
func (s setting) decode(raw json.RawMessage) (reflect.Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return reflect.Value{}, reject(s.name, "a value is required")
	}

	v := reflect.New(s.typ)
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(v.Interface()); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return reflect.Value{}, reject(s.name, "expected %s, got %s", describeType(s.typ), typeErr.Value)
		}
		return reflect.Value{}, reject(s.name, "malformed value")
	}
	if _, err := dec.Token(); err != io.EOF {
		return reflect.Value{}, reject(s.name, "unexpected data after value")
	}
	return v.Elem(), nil
}

func (s setting) validate(v reflect.Value) error {
	if s.rule == "" {
		return nil
	}
	err := config.Validator().Var(v.Interface(), s.rule)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return reject(s.name, "%s", describeFailure(verrs[0]))
	}
	return reject(s.name, "%v", err)
}

func describeType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int:
		return "an integer"
	case reflect.Bool:
		return "a boolean"
	case reflect.String:
		return "a string"
	case reflect.Slice:
		return "a list of " + strings.TrimPrefix(describeType(t.Elem()), "a ") + "s"
	default:
		return t.String()
	}
}

func describeFailure(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must have at least " + fe.Param() + " entries"
		}
		if fe.Kind() == reflect.String {
			return "must be at least " + fe.Param() + " characters"
		}
		return "must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.String {
			return "must be at most " + fe.Param() + " characters"
		}
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "required":
		return "must not be empty"
	case "printascii":
		return "must be printable ASCII"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func reflectSettings(c *config.Config) reflect.Value {
	return reflect.ValueOf(&c.Settings).Elem()
}
