package cli

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCodeForClassifiesCliErrors(t *testing.T) {
	assert.Equal(t, exitNotFound, exitCodeFor(notFoundErr("missing")))
	assert.Equal(t, exitSubsystemUnhealy, exitCodeFor(unhealthyErr("down")))
	assert.Equal(t, exitCallerError, exitCodeFor(callerErr("bad input")))
	assert.Equal(t, exitCallerError, exitCodeFor(errors.New("unclassified")))
}

func TestParsePriorityRejectsUnknownValues(t *testing.T) {
	_, err := parsePriority("NOT_A_PRIORITY")
	require.Error(t, err)
}

func TestAPIClientMapsStatusCodesToExitCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"task not found"}`))
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"agent offline"}`))
		default:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, http: srv.Client()}

	err := c.get("/missing", nil)
	require.Error(t, err)
	assert.Equal(t, exitNotFound, exitCodeFor(err))

	err = c.get("/down", nil)
	require.Error(t, err)
	assert.Equal(t, exitSubsystemUnhealy, exitCodeFor(err))

	var out map[string]any
	require.NoError(t, c.get("/ok", &out))
	assert.Equal(t, true, out["ok"])
}
