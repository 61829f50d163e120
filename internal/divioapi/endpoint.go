package divioapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
)

// ResponseKind selects how a response body is interpreted
type ResponseKind int

const (
	// ResponseJSON decodes an ok body into Call.Into
	ResponseJSON ResponseKind = iota
	// ResponseText keeps the body as a string
	ResponseText
	// ResponseRaw keeps the body as bytes
	ResponseRaw
	// ResponseFile streams an ok body into Call.Output
	ResponseFile
	// ResponseFormErrors decodes an ok body like JSON and a 400 body as per-field validation errors
	ResponseFormErrors
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseJSON:
		return "json"
	case ResponseText:
		return "text"
	case ResponseRaw:
		return "raw"
	case ResponseFile:
		return "file"
	case ResponseFormErrors:
		return "form-errors"
	}
	return "unknown"
}

// Endpoint describes one API route: method, url template with {param} placeholders,
// fixed headers and the response strategy
type Endpoint struct {
	Name     string
	Method   string
	Path     string
	Headers  map[string]string
	Response ResponseKind
}

// Call holds the per-request inputs for an Endpoint
type Call struct {
	PathParams map[string]string
	Query      map[string]string
	Headers    map[string]string
	JSON       any               // json body
	Form       map[string]string // multipart/form fields
	Files      map[string]string // multipart field -> local file path
	Output     string            // destination for ResponseFile
	Into       any               // destination for ResponseJSON/ResponseFormErrors
}

// Result is the interpreted response. Ok mirrors the usual "status < 400" semantics,
// so redirects and 304 count as success.
type Result struct {
	StatusCode  int
	NotModified bool
	Text        string
	Raw         []byte
	FilePath    string
}

func (r *Result) OK() bool {
	return r.StatusCode > 0 && r.StatusCode < http.StatusBadRequest
}

// Do sends a request for ep and interprets the response according to ep.Response.
// Transport failures are returned as *NetworkError; non-ok responses as *APIError.
func (c *Client) Do(ctx context.Context, ep Endpoint, call *Call) (*Result, error) {
	if call == nil {
		call = &Call{}
	}

	r := c.client.R().SetContext(ctx)
	if len(ep.Headers) > 0 {
		r.SetHeaders(ep.Headers)
	}
	if len(call.Headers) > 0 {
		r.SetHeaders(call.Headers)
	}
	if len(call.PathParams) > 0 {
		r.SetPathParams(call.PathParams)
	}
	if len(call.Query) > 0 {
		r.SetQueryParams(call.Query)
	}
	if call.JSON != nil {
		r.SetBodyJsonMarshal(call.JSON)
	}
	if len(call.Form) > 0 {
		r.SetFormData(call.Form)
	}
	for field, path := range call.Files {
		r.SetFile(field, path)
	}
	if ep.Response == ResponseFile {
		if call.Output == "" {
			return nil, fmt.Errorf("%s: file response requires an output path", ep.Name)
		}
		r.SetOutputFile(call.Output)
	}

	resp, err := r.Send(ep.Method, ep.Path)
	if err != nil {
		return nil, wrapTransportError(ep.Name, err)
	}

	return interpret(ep, call, resp)
}

func interpret(ep Endpoint, call *Call, resp *req.Response) (*Result, error) {
	result := &Result{StatusCode: resp.GetStatusCode()}

	var body []byte
	if ep.Response == ResponseFile {
		// the body is written to the output file whatever the status
		if !result.OK() || result.StatusCode == http.StatusNotModified {
			body, _ = os.ReadFile(call.Output)
			os.Remove(call.Output)
		} else {
			result.FilePath = call.Output
		}
	} else {
		body = resp.Bytes()
	}

	if result.StatusCode == http.StatusNotModified {
		result.NotModified = true
		return result, nil
	}

	if !result.OK() {
		return result, newAPIError(ep, result.StatusCode, body)
	}

	switch ep.Response {
	case ResponseJSON, ResponseFormErrors:
		if call.Into != nil && len(body) > 0 {
			if err := json.Unmarshal(body, call.Into); err != nil {
				return result, fmt.Errorf("%s: decode response: %w", ep.Name, err)
			}
		}
		result.Raw = body
	case ResponseText:
		result.Text = string(body)
	case ResponseRaw:
		result.Raw = body
	}

	return result, nil
}

func newAPIError(ep Endpoint, status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Operation: ep.Name}

	if len(body) == 0 {
		return apiErr
	}

	if ep.Response == ResponseFormErrors && status == http.StatusBadRequest {
		if fields := parseFieldErrors(body); len(fields) > 0 {
			if detail, ok := fields["detail"]; ok {
				apiErr.Message = strings.Join(detail, ", ")
				delete(fields, "detail")
			}
			apiErr.FieldErrors = fields
			return apiErr
		}
	}

	if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Message == "" && apiErr.Code == "") {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// parseFieldErrors decodes {"field": ["msg", ...]} or {"field": "msg"} bodies
func parseFieldErrors(body []byte) map[string][]string {
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil
	}

	fields := make(map[string][]string, len(generic))
	for key, value := range generic {
		switch v := value.(type) {
		case string:
			fields[key] = []string{v}
		case []any:
			for _, item := range v {
				fields[key] = append(fields[key], fmt.Sprint(item))
			}
		default:
			fields[key] = []string{fmt.Sprint(v)}
		}
	}
	return fields
}

// statusOf returns the HTTP status carried by err, or 0
func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
