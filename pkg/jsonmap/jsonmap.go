// Package jsonmap bridges the plain string maps used on the request
// surface and the datatypes.JSONMap columns backing collection labels
// and annotations.
package jsonmap

import (
	"fmt"

	"gorm.io/datatypes"
)

// FromStringMap copies labels or annotations into a JSON column value.
// The result is never nil, so an empty input serializes as {} rather
// than NULL.
func FromStringMap(values map[string]string) datatypes.JSONMap {
	column := make(datatypes.JSONMap, len(values))
	for key, value := range values {
		column[key] = value
	}
	return column
}

// ToStringMap flattens a JSON column value back into a string map.
// Values that decoded as something other than a string (JSON numbers,
// booleans) are formatted.
func ToStringMap(column datatypes.JSONMap) map[string]string {
	values := make(map[string]string, len(column))
	for key, value := range column {
		switch v := value.(type) {
		case string:
			values[key] = v
		default:
			values[key] = fmt.Sprint(v)
		}
	}
	return values
}
