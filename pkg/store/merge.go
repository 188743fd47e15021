package store

import (
	"encoding/json"

	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/models"
)

// deepMerge merges src into dst. Objects merge recursively, arrays and
// scalars replace, and nil removes the key.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if v == nil {
			delete(dst, k)
			continue
		}
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
			fresh := make(map[string]any, len(sv))
			deepMerge(fresh, sv)
			dst[k] = fresh
			continue
		}
		dst[k] = v
	}
}

// mergeViewState applies a partial update to a view state through its JSON
// form, so the accepted keys are exactly the JSON field names.
func mergeViewState(current models.ViewState, partial map[string]any) (models.ViewState, error) {
	raw, err := json.Marshal(current)
	if err != nil {
		return current, errors.Wrap(err, errors.CodeInternal, "failed to encode view state")
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return current, errors.Wrap(err, errors.CodeInternal, "failed to decode view state")
	}

	deepMerge(doc, partial)

	raw, err = json.Marshal(doc)
	if err != nil {
		return current, errors.Wrap(err, errors.CodeInvalidRequest, "invalid view state update")
	}
	var next models.ViewState
	if err := json.Unmarshal(raw, &next); err != nil {
		return current, errors.Wrap(err, errors.CodeInvalidRequest, "invalid view state update")
	}

	switch next.Kind {
	case "":
		next.Kind = models.ViewTable
	case models.ViewTable, models.ViewChart:
	default:
		return current, errors.Newf(errors.CodeInvalidRequest, "unknown view kind %q", next.Kind)
	}
	return next, nil
}
