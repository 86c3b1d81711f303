package engine

import "encoding/json"

// toAny round-trips v through JSON so it becomes the map[string]any/
// []any/primitive shape the interp package's Scope and Expr evaluator
// understand, exactly as work-item documents already arrive in that
// shape from the ingestion pipeline's JSON decode.
func toAny(v any) any {
	body, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil
	}
	return out
}
