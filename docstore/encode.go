package docstore

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

func encodeValue(v any) (string, error) {
	s, err := sonic.MarshalString(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return s, nil
}

// encodeFields encodes every field value, substituting now for ServerTimestamp.
func encodeFields(fields Fields, now time.Time) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		if _, ok := value.(serverTimestamp); ok {
			value = now.UTC()
		}
		enc, err := encodeValue(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = enc
	}
	return out, nil
}

// encodeWrites validates and encodes every staged write against one clock reading.
func encodeWrites(writes []write, now time.Time) ([]map[string]string, error) {
	out := make([]map[string]string, len(writes))
	for i, w := range writes {
		if _, _, err := splitDoc(w.path); err != nil {
			return nil, err
		}
		enc, err := encodeFields(w.fields, now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", w.path, err)
		}
		out[i] = enc
	}
	return out, nil
}
