package pipeline

import (
	"encoding/json"
	"io"
	"net/http"

	"sql-proxy/internal/apierr"
	"sql-proxy/internal/auth"
	"sql-proxy/internal/config"
	"sql-proxy/internal/fieldvalidate"
	"sql-proxy/internal/types"
)

// extractParams implements step 3 (extraction) and step 4 (validation) of
// spec.md §4.6 as one pass per field: a field's raw value is read from its
// declared location, then immediately run through its validator chain via
// fieldvalidate.ApplyField, which also enforces "missing required parameter"
// before any validator runs.
func extractParams(r *http.Request, ep *config.EndpointConfig) (map[string]any, error) {
	body, err := decodeJSONBody(r)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any, len(ep.RequestFields))
	bodyFieldNames := make(map[string]bool)

	for _, field := range ep.RequestFields {
		if field.Location == "body" {
			bodyFieldNames[field.Name] = true
		}

		raw, present, err := fieldRawValue(r, body, field)
		if err != nil {
			return nil, err
		}

		val, err := fieldvalidate.ApplyField(field.Name, raw, present, field.Required, field.HasDefault, field.Default, field.Validators)
		if err != nil {
			return nil, err
		}
		if val != nil {
			params[field.Name] = val
		}
	}

	if ep.Operation.ValidateBeforeWrite {
		for key := range body {
			if !bodyFieldNames[key] {
				return nil, apierr.Validationf("unexpected field in request body: %s", key)
			}
		}
	}

	return params, nil
}

func fieldRawValue(r *http.Request, body map[string]any, field config.RequestField) (raw string, present bool, err error) {
	switch field.Location {
	case "query", "":
		q := r.URL.Query()
		present = q.Has(field.Name)
		raw = q.Get(field.Name)
	case "path":
		raw = r.PathValue(field.Name)
		present = raw != ""
	case "header":
		present = len(r.Header.Values(field.Name)) > 0
		raw = r.Header.Get(field.Name)
	case "body":
		v, ok := body[field.Name]
		present = ok
		if ok {
			str, convErr := types.ConvertJSONValue(v, "")
			if convErr != nil {
				return "", false, apierr.Validationf("invalid body field %s: %s", field.Name, convErr.Error())
			}
			raw, _ = str.(string)
		}
	default:
		return "", false, apierr.Configurationf("unknown request field location %q for %s", field.Location, field.Name)
	}
	return raw, present, nil
}

// decodeJSONBody reads and decodes the request body as a JSON object, once
// per request. A missing or empty body is not an error — it degenerates to
// no body fields being present. A non-object JSON body, or malformed JSON,
// is a Validation error (spec.md §4.6 step 3: "missing required -> 400
// before validation").
func decodeJSONBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return map[string]any{}, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, "reading request body", err)
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, apierr.Validationf("request body must be a JSON object: %s", err.Error())
	}
	return body, nil
}

// evalCondition evaluates an endpoint's optional `condition` expression
// against {auth, params} (SPEC_FULL.md §12 supplemental feature, adapted
// from the teacher's expr-lang workflow condition step).
func evalCondition(expr string, authCtx auth.Context, params map[string]any) (bool, error) {
	prog, err := compileCondition(expr)
	if err != nil {
		return false, err
	}
	env := map[string]any{
		"auth":   authCtx.ToTemplateVars(),
		"params": params,
	}
	return runCondition(prog, env)
}
