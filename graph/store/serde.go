package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaomayi-ant/smart-agent/graph/model"
)

// Serde is the serialization adapter shared by all savers.
//
// Plain JSON cannot round-trip everything a checkpoint carries: timestamps
// lose their type, message lists lose their class, pending sends lose their
// constructor. Marshal therefore tags such values with a "__type__"
// envelope:
//
//	{"__type__": "datetime", "data": "2026-08-24T10:00:00Z"}
//	{"__type__": "uuid", "data": "..."}
//	{"__type__": "Send", "data": {"node": "sql_worker", "arg": {...}}}
//	{"__type__": "lc_message_list", "data": [{"__type__": "HumanMessage", ...}]}
//
// Unmarshal lowers every tag back to the plain JSON shape the typed target
// expects, then decodes with the standard library; time.Time parses the
// RFC 3339 string, uuid parses its string form, messages rebuild from their
// field objects. Rows written by other runtimes that use the same tag
// vocabulary decode identically.
type Serde struct{}

// Marshal encodes v into tagged JSON.
func (Serde) Marshal(v any) ([]byte, error) {
	tagged, err := encodeValue(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagged)
}

// Unmarshal decodes tagged JSON into target, lowering tags first.
func (Serde) Unmarshal(data []byte, target any) error {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("decode tagged json: %w", err)
	}
	plain, err := json.Marshal(lowerValue(tree))
	if err != nil {
		return fmt.Errorf("re-encode lowered json: %w", err)
	}
	return json.Unmarshal(plain, target)
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	uuidType    = reflect.TypeOf(uuid.UUID{})
	messageType = reflect.TypeOf(model.Message{})
)

func encodeValue(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return encodeValue(v.Elem())
	}

	t := v.Type()
	switch {
	case t == timeType:
		ts := v.Interface().(time.Time)
		return tagged("datetime", ts.UTC().Format(time.RFC3339Nano)), nil
	case t == uuidType:
		return tagged("uuid", v.Interface().(uuid.UUID).String()), nil
	case isSendType(t):
		return encodeSend(v)
	case t.Kind() == reflect.Slice && t.Elem() == messageType:
		return encodeMessageList(v)
	}

	switch v.Kind() {
	case reflect.Struct:
		return encodeStruct(v)
	case reflect.Map:
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := fmt.Sprintf("%v", iter.Key().Interface())
			enc, err := encodeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[key] = enc
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(v.Bytes()), nil
		}
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			enc, err := encodeValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	default:
		return v.Interface(), nil
	}
}

// encodeStruct walks exported fields honoring their json tags so the tagged
// tree matches what encoding/json would produce for untagged values.
func encodeStruct(v reflect.Value) (any, error) {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty := jsonFieldName(field)
		if name == "-" {
			continue
		}
		fv := v.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		enc, err := encodeValue(fv)
		if err != nil {
			return nil, err
		}
		out[name] = enc
	}
	return out, nil
}

func jsonFieldName(field reflect.StructField) (name string, omitEmpty bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name, false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = field.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty
}

func isSendType(t reflect.Type) bool {
	return t.Kind() == reflect.Struct &&
		strings.HasSuffix(t.PkgPath(), "/graph") &&
		strings.HasPrefix(t.Name(), "Send[")
}

func encodeSend(v reflect.Value) (any, error) {
	node := v.FieldByName("Node").String()
	arg, err := encodeValue(v.FieldByName("Arg"))
	if err != nil {
		return nil, err
	}
	return tagged("Send", map[string]any{"node": node, "arg": arg}), nil
}

func encodeMessageList(v reflect.Value) (any, error) {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		msg := v.Index(i).Interface().(model.Message)
		data, err := encodeStruct(v.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = tagged(classForRole(msg.Role), data)
	}
	return tagged("lc_message_list", out), nil
}

func tagged(tag string, data any) map[string]any {
	return map[string]any{"__type__": tag, "data": data}
}

func classForRole(role string) string {
	switch role {
	case model.RoleUser:
		return "HumanMessage"
	case model.RoleAssistant:
		return "AIMessage"
	case model.RoleSystem:
		return "SystemMessage"
	case model.RoleTool:
		return "ToolMessage"
	default:
		return "ChatMessage"
	}
}

func roleForClass(class string) string {
	switch class {
	case "HumanMessage":
		return model.RoleUser
	case "AIMessage":
		return model.RoleAssistant
	case "SystemMessage":
		return model.RoleSystem
	case "ToolMessage":
		return model.RoleTool
	default:
		return ""
	}
}

// lowerValue strips "__type__" envelopes recursively so the result is the
// plain JSON shape the typed target unmarshals from.
func lowerValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		tag, hasTag := val["__type__"].(string)
		if !hasTag {
			out := make(map[string]any, len(val))
			for k, inner := range val {
				out[k] = lowerValue(inner)
			}
			return out
		}
		data, hasData := val["data"]
		if !hasData {
			// Tag without payload: pass through untouched so nothing
			// silently disappears.
			return val
		}
		switch tag {
		case "datetime", "uuid":
			return data
		case "tuple":
			return lowerValue(data)
		case "Send":
			return lowerValue(data)
		case "lc_message_list":
			items, ok := data.([]any)
			if !ok {
				return lowerValue(data)
			}
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = lowerMessage(item)
			}
			return out
		default:
			// Arbitrary class envelope: the payload is the value.
			return lowerValue(data)
		}
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = lowerValue(inner)
		}
		return out
	default:
		return v
	}
}

// lowerMessage unwraps one message envelope, backfilling the role from the
// message class when a foreign writer omitted it.
func lowerMessage(v any) any {
	envelope, ok := v.(map[string]any)
	if !ok {
		return lowerValue(v)
	}
	class, _ := envelope["__type__"].(string)
	data, ok := envelope["data"].(map[string]any)
	if !ok {
		return lowerValue(v)
	}
	out := make(map[string]any, len(data))
	for k, inner := range data {
		out[k] = lowerValue(inner)
	}
	if _, hasRole := out["role"]; !hasRole {
		if role := roleForClass(class); role != "" {
			out["role"] = role
		}
	}
	return out
}

// metadataDenied lists bookkeeping keys other runtimes attach to checkpoint
// metadata that must not be persisted: they hold task handles and pending
// command objects that do not survive serialization.
var metadataDenied = map[string]bool{
	"writes":         true,
	"tasks":          true,
	"pending_writes": true,
	"commands":       true,
	"task_path":      true,
}

// metadataAllowed is the minimal safe set kept when trimming still leaves
// unserializable values behind.
var metadataAllowed = []string{"source", "step", "parents"}

// TrimMetadata returns metadata safe to persist: denied bookkeeping keys are
// dropped, and if the remainder still fails to serialize only the allow-list
// fields survive.
func TrimMetadata(meta map[string]any) map[string]any {
	trimmed := make(map[string]any, len(meta))
	for k, v := range meta {
		if metadataDenied[k] {
			continue
		}
		trimmed[k] = v
	}
	if _, err := json.Marshal(trimmed); err == nil {
		return trimmed
	}

	safe := make(map[string]any, len(metadataAllowed))
	for _, k := range metadataAllowed {
		v, ok := trimmed[k]
		if !ok {
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			continue
		}
		safe[k] = v
	}
	return safe
}
