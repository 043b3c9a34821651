package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/ashureev/chatrelay/internal/domain"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
	Fields  map[string][]string
}

func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], " "))
	}
	return fmt.Sprintf("backend returned %d: %s (%s)", e.Status, e.Message, strings.Join(parts, "; "))
}

// Unwrap maps the status to the domain taxonomy so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return domain.ErrUnauthenticated
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.ErrValidation
	}
	if e.Status >= 500 {
		return domain.ErrBackendUnavailable
	}
	return nil
}

// parseAPIError reads a DRF-style error body: {"detail": "..."} or
// {"field": ["problem", ...]}.
func parseAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Message: "Request failed"}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		return apiErr
	}

	for key, raw := range body {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if key == "detail" || key == "message" {
				apiErr.Message = s
				continue
			}
			addField(apiErr, key, s)
			continue
		}
		var list []string
		if json.Unmarshal(raw, &list) == nil {
			if key == "non_field_errors" && len(list) > 0 && apiErr.Message == "Request failed" {
				apiErr.Message = list[0]
				continue
			}
			for _, item := range list {
				addField(apiErr, key, item)
			}
		}
	}
	return apiErr
}

func addField(e *APIError, key, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[key] = append(e.Fields[key], msg)
}
