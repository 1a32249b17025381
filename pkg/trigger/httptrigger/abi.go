package httptrigger

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/latticerun/lattice/pkg/router"
)

// handleTriggerRoute resolves a matched route to its ABI, assembles an
// InvocationRequest with the full env/header injection table, invokes the
// component, writes the translated response, and records the request on
// the trigger's metrics.
func (s *Server) handleTriggerRoute(ctx context.Context, w http.ResponseWriter, r *http.Request, match router.Match, route Route, logger *slog.Logger) {
	start := time.Now()
	status := 0
	defer func() {
		s.cfg.Metrics.RecordTriggerRequest(ctx, route.ComponentID, match.RawRoute, route.ABI.String(), status, time.Since(start))
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn("reading request body", "error", err)
		status = http.StatusBadRequest
		http.Error(w, "Bad Request", status)
		return
	}

	clientAddr := r.RemoteAddr

	var invReq *InvocationRequest
	switch route.ABI {
	case ABICGI:
		scriptName := match.BasedRoute
		env := cgiEnv(r, match, s.basePrefix(), clientAddr, scriptName)
		invReq = &InvocationRequest{Method: r.Method, URI: r.URL.String(), Headers: r.Header, Body: body, Env: env}
	default:
		env := spinHeaders(buildEnv(r, match, s.basePrefix(), clientAddr))
		invReq = &InvocationRequest{Method: r.Method, URI: r.URL.String(), Headers: r.Header, Body: body, Env: env}
	}

	resp, err := s.invoker.Invoke(ctx, route.ComponentID, route.ABI, invReq)
	if err != nil {
		logger.Error("component invocation failed", "component", route.ComponentID, "error", err)
		status = http.StatusInternalServerError
		http.Error(w, "Internal Server Error", status)
		return
	}

	if route.ABI == ABICGI {
		cgiStatus, headers, cgiBody, ok := parseCGIResponse(resp.Body)
		if !ok {
			status = http.StatusInternalServerError
			http.Error(w, "Internal Server Error", status)
			return
		}
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		status = cgiStatus
		w.WriteHeader(status)
		_, _ = w.Write(cgiBody)
		return
	}

	status = writeResponse(w, resp)
}

func (s *Server) basePrefix() string {
	if s.router == nil {
		return ""
	}
	return s.router.Base()
}

// writeResponse writes the guest's answer and returns the status sent.
func writeResponse(w http.ResponseWriter, resp *InvocationResponse) int {
	if resp == nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	for k, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
	return status
}

// parseCGIResponse interprets a CGI-style response: headers and body on
// stdout separated by a blank line (CR ignored). Content-Type makes the
// response sufficient; "Status: <code> [msg]" sets the status and marks
// the response sufficient; "Location: <uri>" sets the header and defaults
// status to 302 unless an explicit Status was given. Absent all three,
// the response is 500.
func parseCGIResponse(raw []byte) (status int, headers map[string]string, body []byte, ok bool) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	headers = map[string]string{}
	sufficient := false
	explicitStatus := 0
	hasLocation := false

	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		idx := strings.IndexByte(trimmed, ':')
		if idx < 0 {
			if err != nil {
				break
			}
			continue
		}
		key := strings.TrimSpace(trimmed[:idx])
		value := strings.TrimSpace(trimmed[idx+1:])

		switch strings.ToLower(key) {
		case "content-type":
			headers["Content-Type"] = value
			sufficient = true
		case "status":
			code, parseErr := parseStatusLine(value)
			if parseErr != nil {
				return 500, nil, nil, true
			}
			explicitStatus = code
			sufficient = true
		case "location":
			headers["Location"] = value
			hasLocation = true
			sufficient = true
		default:
			headers[key] = value
		}

		if err != nil {
			break
		}
	}

	rest, _ := io.ReadAll(reader)

	if !sufficient {
		return 500, nil, nil, true
	}

	switch {
	case explicitStatus != 0:
		status = explicitStatus
	case hasLocation:
		status = http.StatusFound
	default:
		status = http.StatusOK
	}

	return status, headers, rest, true
}

func parseStatusLine(value string) (int, error) {
	fields := strings.SplitN(value, " ", 2)
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, err
	}
	return code, nil
}

// DetectABI inspects a component's export names and returns which ABI it
// presents, preferring the platform-specific inbound-HTTP export, then
// the latest wasi-http handler, then its two prior revisions, then the
// CGI command-style ABI when wasi:cli/run is exported. A component with
// none of these exports is ABIUnknown.
func DetectABI(exportNames map[string]struct{}) ABI {
	candidates := []struct {
		name string
		abi  ABI
	}{
		{"fermyon:spin/inbound-http", ABISpinHTTP},
		{"wasi:http/incoming-handler@0.2.0", ABIWasiHTTP},
		{"wasi:http/incoming-handler@0.2.0-rc-2023-11-10", ABIWasiHTTP},
		{"wasi:http/incoming-handler@0.2.0-rc-2023-10-18", ABIWasiHTTP},
		{"wasi:cli/run@0.2.0", ABICGI},
	}
	for _, c := range candidates {
		if _, ok := exportNames[c.name]; ok {
			return c.abi
		}
	}
	return ABIUnknown
}
