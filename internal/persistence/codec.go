package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// encodeJSON serializes v for a nullable TEXT column. Nil maps and empty raw
// messages are stored as NULL.
func encodeJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case json.RawMessage:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
		return sql.NullString{String: string(val), Valid: true}, nil
	case map[string]any:
		if val == nil {
			return sql.NullString{}, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode column: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeJSON decodes a nullable TEXT column into T. NULL yields the zero value.
func decodeJSON[T any](col sql.NullString) (T, error) {
	var out T
	if !col.Valid || col.String == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(col.String), &out); err != nil {
		return out, fmt.Errorf("decode column: %w", err)
	}
	return out, nil
}

func rawJSON(col sql.NullString) json.RawMessage {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.RawMessage(col.String)
}
