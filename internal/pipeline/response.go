package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"sql-proxy/internal/apierr"
	"sql-proxy/internal/config"
	"sql-proxy/internal/db"
)

// statusRecorder wraps a ResponseWriter to capture the status code written,
// for request metrics (internal/metrics.RecordRequest needs it after the
// handler has already written the response).
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// writeError maps any error to the JSON error envelope spec.md §7 defines
// for every surface: {"error": "<message>"}, with the status taken from the
// error's taxonomy category (500 for anything that isn't an *apierr.Error).
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.StatusFor(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeReadResponse shapes a read operation's result set (spec.md §4.6 step
// 8): JSON {"data":[...], "next":..., "total_count":...} by default, or CSV
// when the caller's Accept header prefers text/csv and the endpoint's
// response format enables it.
func writeReadResponse(w http.ResponseWriter, r *http.Request, rows []map[string]any, totalCount *int, next string, format config.ResponseFormatConfig) {
	if format.EnableCSV && acceptsCSV(r) {
		writeCSVResponse(w, rows)
		return
	}

	body := map[string]any{"data": rows}
	if next != "" {
		body["next"] = next
	}
	if totalCount != nil {
		body["total_count"] = *totalCount
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// acceptsCSV reports whether the request's Accept header names text/csv
// anywhere in its list, regardless of position or q-value. A bare "*/*" or
// missing header does not count — CSV is opt-in, not a default.
func acceptsCSV(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mediaType, "text/csv") {
			return true
		}
	}
	return false
}

// writeCSVResponse renders rows as CSV, with a header row drawn from the
// union of keys across all rows, sorted for a stable column order.
func writeCSVResponse(w http.ResponseWriter, rows []map[string]any) {
	w.Header().Set("Content-Type", "text/csv")

	columns := csvColumns(rows)
	cw := csv.NewWriter(w)
	_ = cw.Write(columns)
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			record[i] = csvCell(row[col])
		}
		_ = cw.Write(record)
	}
	cw.Flush()
}

func csvColumns(rows []map[string]any) []string {
	seen := make(map[string]bool)
	var columns []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	return columns
}

func csvCell(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// writeWriteResponse shapes a write operation's result (spec.md §4.6 step 8):
// {"rows_affected":N,"last_insert_id":...,"returned_data":[...]}. The latter
// two fields are only present when the driver produced one / the endpoint
// requested returns_data.
func writeWriteResponse(w http.ResponseWriter, result db.ExecResult, returned []map[string]any) {
	body := map[string]any{"rows_affected": result.RowsAffected}
	if result.LastInsertID != nil {
		body["last_insert_id"] = *result.LastInsertID
	}
	if returned != nil {
		body["returned_data"] = returned
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// applyPagination implements step 7: if the given response format enables
// paging, it injects LIMIT/OFFSET into the rendered
// SQL using validated limit/offset params (falling back to the format's
// default/max), unless the rendered template already supplies its own LIMIT
// clause. paginated is false (and sql unchanged) when paging isn't enabled.
func applyPagination(sql string, params map[string]any, format config.ResponseFormatConfig) (newSQL string, limit, offset int, paginated bool) {
	if !format.EnablePaging {
		return sql, 0, 0, false
	}
	if strings.Contains(strings.ToUpper(sql), "LIMIT") {
		return sql, 0, 0, false
	}

	limit = intParam(params, "limit", format.DefaultLimit)
	if format.MaxLimit > 0 && limit > format.MaxLimit {
		limit = format.MaxLimit
	}
	if limit <= 0 {
		limit = format.DefaultLimit
	}
	offset = intParam(params, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	newSQL = strings.TrimRight(sql, "; \t\n") + " LIMIT " + strconv.Itoa(limit) + " OFFSET " + strconv.Itoa(offset)
	return newSQL, limit, offset, true
}

func intParam(params map[string]any, name string, fallback int) int {
	v, ok := params[name]
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return fallback
		}
		return n
	default:
		return fallback
	}
}

// nextPageURL builds the "next" path for a paginated read: the request's own
// path and query with offset advanced by limit. Returned empty when the page
// wasn't full (nothing further to fetch) or pagination doesn't apply.
func nextPageURL(r *http.Request, limit, offset int, rowCount int, paginated bool) string {
	if !paginated || rowCount < limit {
		return ""
	}
	q := r.URL.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset+limit))
	u := *r.URL
	u.RawQuery = q.Encode()
	return u.Path + "?" + u.RawQuery
}

// responseCacheTTL returns the duration an endpoint's cached responses stay
// fresh, per its response_cache.ttl_sec.
func responseCacheTTL(ep *config.EndpointConfig) time.Duration {
	if ep.ResponseCache == nil {
		return 0
	}
	return time.Duration(ep.ResponseCache.TTLSec) * time.Second
}
