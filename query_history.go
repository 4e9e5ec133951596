package delta

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
)

// QueryInfo is one entry of the SQL query history.
type QueryInfo struct {
	QueryId            string `json:"query_id"`
	Status             string `json:"status"`
	QueryText          string `json:"query_text"`
	StatementType      string `json:"statement_type,omitempty"`
	WarehouseId        string `json:"warehouse_id"`
	UserId             int64  `json:"user_id"`
	UserName           string `json:"user_name"`
	QueryStartTimeMs   int64  `json:"query_start_time_ms"`
	QueryEndTimeMs     int64  `json:"query_end_time_ms,omitempty"`
	ExecutionEndTimeMs int64  `json:"execution_end_time_ms,omitempty"`
	Duration           int64  `json:"duration,omitempty"`
	RowsProduced       int64  `json:"rows_produced,omitempty"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

// QueryHistory is one page of the query history.
type QueryHistory struct {
	Queries       []QueryInfo `json:"res"`
	NextPageToken string      `json:"next_page_token,omitempty"`
	HasNextPage   bool        `json:"has_next_page"`
}

// QueryHistoryOptions includes parameters for the /api/2.0/sql/history/queries endpoint.
type QueryHistoryOptions struct {
	MaxResults     *int     `query:"max_results"`
	PageToken      *string  `query:"page_token"`
	IncludeMetrics *bool    `query:"include_metrics"`
	Statuses       []string `query:"filter_by.statuses"`
	WarehouseIds   []string `query:"filter_by.warehouse_ids"`
	UserIds        []int64  `query:"filter_by.user_ids"`
	StartTimeMs    *int64   `query:"filter_by.query_start_time_range.start_time_ms"`
	EndTimeMs      *int64   `query:"filter_by.query_start_time_range.end_time_ms"`
}

// GenerateHttpQueryParameter converts a struct with `query` tags into a URL query string.
// Nil pointer fields are skipped and every element of a slice field is
// emitted as a repeated parameter.
func GenerateHttpQueryParameter(v any) string {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return ""
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return ""
	}
	queryBuilder := strings.Builder{}
	appendParam := func(key string, value any) {
		if queryBuilder.Len() > 0 {
			queryBuilder.WriteString("&")
		}
		queryBuilder.WriteString(fmt.Sprintf("%s=%s", url.QueryEscape(key), url.QueryEscape(fmt.Sprint(value))))
	}
	vt := rv.Type()
	for i := range vt.NumField() {
		fv, ft := rv.Field(i), vt.Field(i)
		tag := ft.Tag.Get("query")
		if tag == "" || !ft.IsExported() {
			continue
		}
		// Dereference pointers; skip nil
		for fv.Kind() == reflect.Pointer || fv.Kind() == reflect.Interface {
			if fv.IsNil() {
				break
			}
			fv = fv.Elem()
		}
		if (fv.Kind() == reflect.Pointer || fv.Kind() == reflect.Interface) && fv.IsNil() {
			continue
		}
		if fv.Kind() == reflect.Slice {
			for j := range fv.Len() {
				appendParam(tag, fv.Index(j).Interface())
			}
			continue
		}
		appendParam(tag, fv.Interface())
	}
	return queryBuilder.String()
}

// ListQueryHistory retrieves one page of the SQL query history.
func (s *Session) ListQueryHistory(ctx context.Context, reqOpt *QueryHistoryOptions, opts ...RequestOption) (*QueryHistory, *http.Response, error) {
	urlStr := QueryHistoryPath
	if params := GenerateHttpQueryParameter(reqOpt); params != "" {
		urlStr = QueryHistoryPath + "?" + params
	}
	req, err := s.NewRequest("GET", urlStr, nil, opts...)
	if err != nil {
		return nil, nil, err
	}

	history := &QueryHistory{Queries: make([]QueryInfo, 0, 16)}
	resp, err := s.Do(ctx, req, history)
	if err != nil {
		return nil, resp, err
	}
	return history, resp, nil
}
