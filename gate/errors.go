package gate

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// StatusError is a non-2xx answer from the gate or a proxy in front of it.
type StatusError struct {
	Method  string
	Code    int
	Summary string
}

func (e *StatusError) Error() string {
	if e.Summary == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Method, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Method, e.Code, e.Summary)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// ServiceError is a well-formed gate answer whose service result is not OK.
type ServiceError struct {
	Method  string
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: service error %s", e.Method, e.Code)
	}
	return fmt.Sprintf("%s: service error %s: %s", e.Method, e.Code, e.Message)
}

// retryable keeps client errors out of the retry loop; 408 and 429 are transient.
func retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return true
	}
	if se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests {
		return true
	}
	return se.Code >= 500
}

func serviceError(method string, body map[string]any) error {
	results, ok := body["svcResL"].([]any)
	if !ok || len(results) == 0 {
		return nil
	}
	first, ok := results[0].(map[string]any)
	if !ok {
		return nil
	}
	code, _ := first["err"].(string)
	if code == "" || code == "OK" {
		return nil
	}
	msg, _ := first["errTxt"].(string)
	return &ServiceError{Method: method, Code: code, Message: msg}
}

const maxSummary = 200

// summarize turns an error body into one short line. Gateways and proxies answer with
// HTML pages, so their <title> (or first heading) is used instead of the markup.
func summarize(contentType string, body []byte) string {
	text := strings.TrimSpace(string(body))
	if strings.Contains(contentType, "html") || strings.HasPrefix(strings.ToLower(text), "<!doctype html") || strings.HasPrefix(strings.ToLower(text), "<html") {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			title := strings.TrimSpace(doc.Find("title").First().Text())
			if title == "" {
				title = strings.TrimSpace(doc.Find("h1").First().Text())
			}
			if title == "" {
				title = strings.TrimSpace(doc.Find("body").First().Text())
			}
			text = title
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxSummary {
		text = string(r[:maxSummary]) + "..."
	}
	return text
}
