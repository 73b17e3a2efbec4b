package main

import (
	"encoding/json"
	"fmt"
	"io"
)

func writeJSON(w io.Writer, format string, v any) error {
	enc := json.NewEncoder(w)
	switch format {
	case "prettyjson":
		enc.SetIndent("", "    ")
	case "ndjson":
		//
	default:
		//
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return nil
}
