package staging

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type (
	// PayloadKind is the closed classification of a staged payload shape.
	// Every payload is classified exactly once, before normalization, so
	// downstream consumers switch exhaustively instead of re-running type
	// tests.
	PayloadKind int

	// ScalarType names the JSON primitive type of a wrapped scalar payload.
	ScalarType string
)

// Payload classifications.
const (
	// KindNull is a null or absent payload: nothing to import, not an error.
	KindNull PayloadKind = iota

	// KindArray is a JSON array; its elements import individually, in order.
	KindArray

	// KindObject is a single JSON object; it imports as one item.
	KindObject

	// KindScalar is a JSON primitive (string, number, or boolean); it
	// imports as one wrapped item so no primitive payload is silently lost.
	KindScalar

	// KindUnsupported is a value with no JSON representation. Treated as
	// zero items; callers log a warning naming the type.
	KindUnsupported
)

// Scalar type names, matching JavaScript typeof for the primitives the
// legacy exporter produced.
const (
	ScalarString  ScalarType = "string"
	ScalarNumber  ScalarType = "number"
	ScalarBoolean ScalarType = "boolean"
)

// String returns the payload kind name for logs and reports.
func (k PayloadKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindScalar:
		return "scalar"
	case KindUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("PayloadKind(%d)", int(k))
	}
}

type (
	// Payload is a staged data value classified into its shape variant.
	// Exactly one of the variant fields is populated, per Kind.
	Payload struct {
		Kind PayloadKind

		// Elements holds the array elements when Kind is KindArray, in
		// original submission order.
		Elements []json.RawMessage

		// Object holds the raw object when Kind is KindObject.
		Object json.RawMessage

		// Scalar holds the raw primitive and its type when Kind is
		// KindScalar.
		Scalar     json.RawMessage
		ScalarType ScalarType

		// GoType names the unsupported Go type when Kind is KindUnsupported.
		GoType string
	}
)

// Classify decodes a raw JSON payload into its shape variant.
//
// Absent (nil/empty) and JSON null payloads classify as KindNull. Raw bytes
// that are not valid JSON classify as KindUnsupported with GoType naming the
// defect, because the legacy client-side store occasionally exported
// unserializable values as garbage text.
func Classify(raw json.RawMessage) Payload {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Payload{Kind: KindNull}
	}

	switch trimmed[0] {
	case '[':
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return Payload{Kind: KindUnsupported, GoType: "malformed array"}
		}

		return Payload{Kind: KindArray, Elements: elements}
	case '{':
		if !json.Valid(trimmed) {
			return Payload{Kind: KindUnsupported, GoType: "malformed object"}
		}

		return Payload{Kind: KindObject, Object: trimmed}
	case '"':
		if !json.Valid(trimmed) {
			return Payload{Kind: KindUnsupported, GoType: "malformed string"}
		}

		return Payload{Kind: KindScalar, Scalar: trimmed, ScalarType: ScalarString}
	case 't', 'f':
		if !bytes.Equal(trimmed, []byte("true")) && !bytes.Equal(trimmed, []byte("false")) {
			return Payload{Kind: KindUnsupported, GoType: "malformed literal"}
		}

		return Payload{Kind: KindScalar, Scalar: trimmed, ScalarType: ScalarBoolean}
	default:
		// Anything else must be a JSON number to be representable.
		var num json.Number
		if err := json.Unmarshal(trimmed, &num); err != nil {
			return Payload{Kind: KindUnsupported, GoType: "non-JSON value"}
		}

		return Payload{Kind: KindScalar, Scalar: trimmed, ScalarType: ScalarNumber}
	}
}

// ClassifyValue classifies an already-decoded Go value, used on the ingress
// path where payloads arrive inside a decoded request body.
//
// Supported inputs are the shapes encoding/json produces: nil, bool, string,
// float64, json.Number, []interface{}, and map[string]interface{}. Anything
// else is KindUnsupported with GoType set.
func ClassifyValue(value interface{}) Payload {
	switch v := value.(type) {
	case nil:
		return Payload{Kind: KindNull}
	case []interface{}:
		elements := make([]json.RawMessage, 0, len(v))

		for _, element := range v {
			raw, err := json.Marshal(element)
			if err != nil {
				return Payload{Kind: KindUnsupported, GoType: fmt.Sprintf("%T", element)}
			}

			elements = append(elements, raw)
		}

		return Payload{Kind: KindArray, Elements: elements}
	case map[string]interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return Payload{Kind: KindUnsupported, GoType: fmt.Sprintf("%T", value)}
		}

		return Payload{Kind: KindObject, Object: raw}
	case string:
		raw, _ := json.Marshal(v)

		return Payload{Kind: KindScalar, Scalar: raw, ScalarType: ScalarString}
	case bool:
		raw, _ := json.Marshal(v)

		return Payload{Kind: KindScalar, Scalar: raw, ScalarType: ScalarBoolean}
	case float64:
		raw, err := json.Marshal(v)
		if err != nil {
			// NaN / Inf cannot be represented as JSON.
			return Payload{Kind: KindUnsupported, GoType: "non-finite number"}
		}

		return Payload{Kind: KindScalar, Scalar: raw, ScalarType: ScalarNumber}
	case json.Number:
		return Payload{Kind: KindScalar, Scalar: json.RawMessage(v.String()), ScalarType: ScalarNumber}
	default:
		return Payload{Kind: KindUnsupported, GoType: fmt.Sprintf("%T", value)}
	}
}
