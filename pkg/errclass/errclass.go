// Package errclass classifies persistence failures into a compact taxonomy
// so callers can choose a recovery policy without string-matching driver
// errors: transient failures may be retried, fatal ones must not be, and
// encoding anomalies are recoverable by starting from an empty document.
package errclass

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	// CategoryTransient marks connectivity/timeout failures. Safe to retry:
	// the write path is idempotent.
	CategoryTransient = "transient"
	// CategoryFatal marks permission or schema failures that retrying
	// cannot fix.
	CategoryFatal = "fatal"
	// CategoryEncoding marks malformed column content. Recoverable: the
	// adapter demotes it to absence unless configured strict.
	CategoryEncoding = "encoding"
	// CategorySystem is the default for unclassified failures.
	CategorySystem = "system"
)

// Error is the compact error payload used internally and on the debug
// surface. It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error,
// it is returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512)}
}

// Convenience constructors.

func Transient(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryTransient, code, message, ctx, cause)
	}
	return New(CategoryTransient, code, message, ctx)
}

func Fatal(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryFatal, code, message, ctx, cause)
	}
	return New(CategoryFatal, code, message, ctx)
}

func Encoding(code, message string, ctx map[string]any) *Error {
	return New(CategoryEncoding, code, message, ctx)
}

// IsCategory checks whether err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// HTTPStatus maps a category to an HTTP status for the debug surface.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryTransient:
		return http.StatusServiceUnavailable
	case CategoryEncoding:
		return http.StatusUnprocessableEntity
	case CategoryFatal, CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer,
// including the trace_id when a span is recording on the request context.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(ce))

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}
