package apiclient

import "fmt"

// HTTPError represents an unexpected HTTP status from a non-streaming call
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

// ErrorFromResponse builds an HTTPError describing resp, truncating long bodies
func ErrorFromResponse(resp *Response, url string) error {
	const maxMessage = 512
	message := string(resp.Body)
	if len(message) > maxMessage {
		message = message[:maxMessage] + "..."
	}
	return NewHTTPError(resp.StatusCode, url, message)
}
