package commands

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ParamType is the declared type of a command parameter.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamObject ParamType = "object"
)

// ParamSpec declares one parameter of a command kind.
type ParamSpec struct {
	Name     string
	Type     ParamType
	Required bool
	Min      float64
	Max      float64
	Fields   []ParamSpec
}

func intParam(name string, required bool, min, max float64) ParamSpec {
	return ParamSpec{Name: name, Type: ParamInt, Required: required, Min: min, Max: max}
}

func floatParam(name string, required bool, min, max float64) ParamSpec {
	return ParamSpec{Name: name, Type: ParamFloat, Required: required, Min: min, Max: max}
}

// Registry is the table of supported command kinds and their schemas.
type Registry struct {
	schemas map[Kind][]ParamSpec
}

// NewRegistry returns the registry of mower commands.
func NewRegistry() *Registry {
	unbounded := math.Inf(1)
	return &Registry{schemas: map[Kind][]ParamSpec{
		KindProfileSelect: {
			intParam("profile_id", true, 1, 3),
		},
		KindWorkNow:   nil,
		KindBorderCut: nil,
		KindChargeNow: nil,
		KindChargeUntil: {
			intParam("hours", true, 0, 23),
			intParam("minutes", true, 0, 59),
			intParam("weekday", false, 1, 7),
		},
		KindTracePosition: nil,
		KindKeepOut: {
			{
				Name:     "location",
				Type:     ParamObject,
				Required: true,
				Fields: []ParamSpec{
					floatParam("latitude", true, -90, 90),
					floatParam("longitude", true, -180, 180),
					intParam("radius", false, 0, unbounded),
				},
			},
			intParam("hours", false, 0, 23),
			intParam("minutes", false, 0, 59),
			intParam("index", false, 0, unbounded),
		},
		KindWakeUp:      nil,
		KindFindDevice:  nil,
		KindListDevices: nil,
	}}
}

// Schema returns the parameter specs of kind.
func (r *Registry) Schema(kind Kind) ([]ParamSpec, bool) {
	specs, ok := r.schemas[kind]
	return specs, ok
}

// Validate checks params against the schema of kind and returns a pending
// command holding the normalized parameters.
func (r *Registry) Validate(kind Kind, params map[string]any) (*Command, error) {
	specs, ok := r.schemas[kind]
	if !ok {
		return nil, rejectf("unknown command kind %q", kind)
	}
	normalized, err := validateFields(string(kind), specs, params)
	if err != nil {
		return nil, err
	}
	return &Command{
		Kind:   kind,
		Params: normalized,
		Status: StatusPending,
	}, nil
}

func validateFields(scope string, specs []ParamSpec, params map[string]any) (Params, error) {
	known := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		known[spec.Name] = struct{}{}
	}
	var unknown []string
	for name := range params {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, rejectf("%s: unknown parameter %s", scope, strings.Join(unknown, ", "))
	}

	out := Params{}
	for _, spec := range specs {
		raw, ok := params[spec.Name]
		if !ok || raw == nil {
			if spec.Required {
				return nil, rejectf("%s: %s required", scope, spec.Name)
			}
			continue
		}
		value, err := coerce(scope, spec, raw)
		if err != nil {
			return nil, err
		}
		out[spec.Name] = value
	}
	return out, nil
}

func coerce(scope string, spec ParamSpec, raw any) (any, error) {
	switch spec.Type {
	case ParamInt:
		n, ok := toInt(raw)
		if !ok {
			return nil, rejectf("%s: %s must be an integer", scope, spec.Name)
		}
		if float64(n) < spec.Min || float64(n) > spec.Max {
			return nil, rejectf("%s: %s must be in %s", scope, spec.Name, rangeText(spec))
		}
		return n, nil
	case ParamFloat:
		f, ok := toFloat(raw)
		if !ok {
			return nil, rejectf("%s: %s must be a number", scope, spec.Name)
		}
		if f < spec.Min || f > spec.Max {
			return nil, rejectf("%s: %s must be in %s", scope, spec.Name, rangeText(spec))
		}
		return f, nil
	case ParamObject:
		var obj map[string]any
		switch v := raw.(type) {
		case Params:
			obj = v
		case map[string]any:
			obj = v
		default:
			return nil, rejectf("%s: %s must be an object", scope, spec.Name)
		}
		return validateFields(scope+"."+spec.Name, spec.Fields, obj)
	}
	return nil, rejectf("%s: %s has unsupported type %q", scope, spec.Name, spec.Type)
}

func toInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return toInt(f)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func toFloat(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rangeText(spec ParamSpec) string {
	if math.IsInf(spec.Max, 1) {
		return fmt.Sprintf("[%g,∞)", spec.Min)
	}
	return fmt.Sprintf("[%g,%g]", spec.Min, spec.Max)
}

func rejectf(format string, args ...any) error {
	return &ClassifiedError{Kind: ValidationRejected, Detail: fmt.Sprintf(format, args...)}
}

// ValidateDeviceID checks the mower identifier format: 15 digits starting with 35.
func ValidateDeviceID(id string) error {
	if len(id) != 15 || !strings.HasPrefix(id, "35") {
		return rejectf("device id must be 15 digits starting with 35")
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return rejectf("device id must be 15 digits starting with 35")
		}
	}
	return nil
}
