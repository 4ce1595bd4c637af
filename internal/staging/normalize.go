package staging

import (
	"encoding/json"
	"fmt"
)

// scalarWrapper is the envelope written for primitive payloads.
//
// A past defect in this pipeline silently skipped primitive-typed staged
// payloads; the wrapper guarantees every primitive survives the import as
// exactly one item.
type scalarWrapper struct {
	Value json.RawMessage `json:"value"`
	Type  ScalarType      `json:"type"`
}

// Normalize converts a classified payload into the uniform sequence of
// importable items.
//
// Rules, per payload kind:
//   - null → empty sequence (nothing to import, not an error)
//   - array → the elements, unchanged, in original order (order underlies
//     the cursor-based restart of chunked imports)
//   - object → a one-element sequence containing that object
//   - scalar x → [{value: x, type: typeof(x)}]
//   - unsupported → empty sequence (callers log a warning naming the type)
//
// The result is length-preserving for arrays and never drops data for any
// JSON-representable input.
func Normalize(p Payload) ([]json.RawMessage, error) {
	switch p.Kind {
	case KindNull, KindUnsupported:
		return []json.RawMessage{}, nil
	case KindArray:
		items := make([]json.RawMessage, len(p.Elements))
		copy(items, p.Elements)

		return items, nil
	case KindObject:
		return []json.RawMessage{p.Object}, nil
	case KindScalar:
		wrapped, err := json.Marshal(scalarWrapper{Value: p.Scalar, Type: p.ScalarType})
		if err != nil {
			return nil, fmt.Errorf("failed to wrap scalar payload: %w", err)
		}

		return []json.RawMessage{wrapped}, nil
	default:
		return nil, fmt.Errorf("unknown payload kind: %s", p.Kind)
	}
}

// NormalizeRaw classifies and normalizes a raw JSON payload in one step.
// It returns the item sequence together with the classification so callers
// can report skipped shapes.
func NormalizeRaw(raw json.RawMessage) ([]json.RawMessage, Payload, error) {
	payload := Classify(raw)

	items, err := Normalize(payload)
	if err != nil {
		return nil, payload, err
	}

	return items, payload, nil
}
