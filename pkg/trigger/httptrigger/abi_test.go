package httptrigger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/latticerun/lattice/pkg/router"
)

func TestParseCGIResponse_ContentTypeSufficient(t *testing.T) {
	raw := []byte("Content-Type: text/plain\n\nhello")
	status, headers, body, ok := parseCGIResponse(raw)
	assert.True(t, ok)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "text/plain", headers["Content-Type"])
	assert.Equal(t, "hello", string(body))
}

func TestParseCGIResponse_ExplicitStatus(t *testing.T) {
	raw := []byte("Status: 418 teapot\nContent-Type: text/plain\n\n")
	status, _, body, ok := parseCGIResponse(raw)
	assert.True(t, ok)
	assert.Equal(t, 418, status)
	assert.Empty(t, body)
}

func TestParseCGIResponse_NoHeadersIsServerError(t *testing.T) {
	raw := []byte("\njust a body, no headers")
	status, _, _, ok := parseCGIResponse(raw)
	assert.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestParseCGIResponse_LocationDefaultsTo302(t *testing.T) {
	raw := []byte("Location: https://example.com/elsewhere\n\n")
	status, headers, _, ok := parseCGIResponse(raw)
	assert.True(t, ok)
	assert.Equal(t, http.StatusFound, status)
	assert.Equal(t, "https://example.com/elsewhere", headers["Location"])
}

func TestDetectABI(t *testing.T) {
	assert.Equal(t, ABISpinHTTP, DetectABI(map[string]struct{}{"fermyon:spin/inbound-http": {}}))
	assert.Equal(t, ABIWasiHTTP, DetectABI(map[string]struct{}{"wasi:http/incoming-handler@0.2.0": {}}))
	assert.Equal(t, ABICGI, DetectABI(map[string]struct{}{"wasi:cli/run@0.2.0": {}}))
	assert.Equal(t, ABIUnknown, DetectABI(map[string]struct{}{}))
}

func TestBuildEnvRouteAndPathInfoVariables(t *testing.T) {
	rtr, _, err := router.Build("/base", []router.Entry{{ComponentID: "files", Pattern: "/assets/..."}})
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/assets/a%20b/logo.png", nil)
	match, err := rtr.Route(req.URL.Path)
	assert.NoError(t, err)

	env := buildEnv(req, match, "/base", "10.0.0.1:12345")
	assert.Equal(t, "/base/assets/...", env["MATCHED_ROUTE"])
	assert.Equal(t, "/assets", env["COMPONENT_ROUTE"])
	assert.Equal(t, "/assets/...", env["RAW_COMPONENT_ROUTE"])
	assert.Equal(t, "/a b/logo.png", env["PATH_INFO"])
	assert.Equal(t, "/a%20b/logo.png", env["RAW_PATH_INFO"])
	assert.Equal(t, "/base", env["BASE_PATH"])
}
