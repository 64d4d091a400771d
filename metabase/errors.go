package metabase

import (
	"fmt"
	"net/http"
)

// ResponseError is returned when Metabase answers with an unexpected status.
// Body holds the start of the response body so it can be logged.
type ResponseError struct {
	Op         string
	StatusCode int
	Body       string
}

// assert interface
var _ error = (*ResponseError)(nil)

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%v failed: %v %v", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
}
