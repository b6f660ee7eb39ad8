package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
)

// encodeJSON renders v as JSON. A positive indent pretty-prints.
func encodeJSON(v starlark.Value, indent int) (string, error) {
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return "", err
	}
	var data []byte
	if indent > 0 {
		data, err = json.MarshalIndent(goVal, "", strings.Repeat(" ", indent))
	} else {
		data, err = json.Marshal(goVal)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// encodeYAML renders v as a YAML document.
func encodeYAML(v starlark.Value) (string, error) {
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(goVal)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeYAML parses a YAML document into Starlark values.
func decodeYAML(src string) (starlark.Value, error) {
	var v interface{}
	if err := yaml.Unmarshal([]byte(src), &v); err != nil {
		return nil, err
	}
	return toStarlarkValue(v)
}

// encodeINI renders a dict as INI. Scalar top-level entries come first;
// dict entries become sections whose values must be scalars.
func encodeINI(table *starlark.Dict) (string, error) {
	var top strings.Builder
	var sections []string

	for _, item := range table.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return "", fmt.Errorf("ini keys must be strings, got %s", item[0].Type())
		}
		section, isDict := item[1].(*starlark.Dict)
		if !isDict {
			val, err := iniScalar(key, item[1])
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&top, "%s = %s\n", key, val)
			continue
		}

		var b strings.Builder
		fmt.Fprintf(&b, "[%s]\n", key)
		for _, kv := range section.Items() {
			k, ok := starlark.AsString(kv[0])
			if !ok {
				return "", fmt.Errorf("ini keys must be strings, got %s", kv[0].Type())
			}
			val, err := iniScalar(key+"."+k, kv[1])
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "%s = %s\n", k, val)
		}
		sections = append(sections, b.String())
	}

	out := top.String()
	for _, s := range sections {
		if out != "" {
			out += "\n"
		}
		out += s
	}
	return out, nil
}

func iniScalar(key string, v starlark.Value) (string, error) {
	switch val := v.(type) {
	case starlark.String:
		return string(val), nil
	case starlark.Bool:
		return strconv.FormatBool(bool(val)), nil
	case starlark.Int, starlark.Float:
		return val.String(), nil
	default:
		return "", fmt.Errorf("ini value for %s must be a string, number or bool, got %s", key, v.Type())
	}
}
