package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/viper"
)

// Exit codes, per the CLI's process contract.
const (
	exitSuccess          = 0
	exitCallerError      = 1
	exitNotFound         = 2
	exitSubsystemUnhealy = 3
)

// cliError carries the exit code a RunE should propagate, distinct from
// cobra's default exit(1) for every non-nil error.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return exitCallerError
}

func notFoundErr(format string, args ...any) error {
	return &cliError{code: exitNotFound, err: fmt.Errorf(format, args...)}
}

func unhealthyErr(format string, args ...any) error {
	return &cliError{code: exitSubsystemUnhealy, err: fmt.Errorf(format, args...)}
}

func callerErr(format string, args ...any) error {
	return &cliError{code: exitCallerError, err: fmt.Errorf(format, args...)}
}

// apiClient is a thin HTTP client against the orchestrator's REST API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient() *apiClient {
	timeout := viper.GetDuration("timeout")
	return &apiClient{
		baseURL: strings.TrimSuffix(viper.GetString("server"), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is the body the orchestrator returns for any 4xx/5xx.
type apiError struct {
	Error string `json:"error"`
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return callerErr("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return callerErr("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return unhealthyErr("connect to orchestrator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return unhealthyErr("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := string(data)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return notFoundErr("%s", msg)
		case resp.StatusCode == http.StatusServiceUnavailable:
			return unhealthyErr("%s", msg)
		case resp.StatusCode >= 500:
			return unhealthyErr("%s", msg)
		default:
			return callerErr("%s", msg)
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return unhealthyErr("decode response: %w", err)
		}
	}
	return nil
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}
