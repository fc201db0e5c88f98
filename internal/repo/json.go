package repo

import (
	"encoding/json"
	"fmt"
)

// cloneJSON копирует JSON-совместимый map через сериализацию,
// приводя значения к тем же типам, что вернёт SQL-хранилище.
func cloneJSON(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, err := unmarshalMap(mustMarshal(m))
	if err != nil {
		return map[string]any{}
	}
	return out
}

// normalizeJSON возвращает копию m после круга JSON; nil становится {}.
func normalizeJSON(m map[string]any) (map[string]any, error) {
	data, err := marshalMap(m)
	if err != nil {
		return nil, err
	}
	return unmarshalMap(data)
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return data, nil
}

func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	return m, nil
}
