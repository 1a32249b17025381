package outbound

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/latticerun/lattice/pkg/outboundpolicy"
)

func TestSendDeniesUnlistedAbsoluteHost(t *testing.T) {
	policy, err := outboundpolicy.Parse([]string{"https://allowed.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	c := &Client{Policy: policy, Timeouts: DefaultTimeouts()}
	req, _ := http.NewRequest(http.MethodGet, "https://denied.example.com/path", nil)
	_, err = c.Send(context.Background(), req)
	if err == nil {
		t.Fatal("expected denial error")
	}
	oerr, ok := err.(*Error)
	if !ok || oerr.Code != ErrCodeHTTPRequestDenied {
		t.Fatalf("expected ErrCodeHTTPRequestDenied, got %v", err)
	}
}

func TestSendAllowsListedAbsoluteHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	policy, err := outboundpolicy.Parse([]string{"http://" + host})
	if err != nil {
		t.Fatal(err)
	}
	c := &Client{Policy: policy, Timeouts: DefaultTimeouts()}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/anything", nil)
	resp, err := c.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("expected ok, got %q", body)
	}
}

func TestSendRelativeWithoutSelfOriginConfiguredIsDenied(t *testing.T) {
	policy := outboundpolicy.AllAllowed()
	c := &Client{Policy: policy, Timeouts: DefaultTimeouts()}
	req, _ := http.NewRequest(http.MethodGet, "/relative", nil)
	req.URL.Host = ""
	_, err := c.Send(context.Background(), req)
	if err == nil {
		t.Fatal("expected internal error for missing self origin")
	}
}

func TestSendRelativeDeniedWithoutRelativePermission(t *testing.T) {
	policy, err := outboundpolicy.Parse([]string{"https://allowed.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	c := &Client{Policy: policy, Origin: &SelfOrigin{Host: "127.0.0.1:1"}, Timeouts: DefaultTimeouts()}
	req, _ := http.NewRequest(http.MethodGet, "/relative", nil)
	req.URL.Host = ""
	_, err = c.Send(context.Background(), req)
	oerr, ok := err.(*Error)
	if !ok || oerr.Code != ErrCodeHTTPRequestDenied {
		t.Fatalf("expected denial, got %v", err)
	}
}

func TestInterceptorShortCircuits(t *testing.T) {
	policy := outboundpolicy.AllAllowed()
	stub := &http.Response{StatusCode: http.StatusTeapot}
	c := &Client{
		Policy: policy,
		Interceptor: interceptFunc(func(req *http.Request) (*http.Response, bool, error) {
			return stub, true, nil
		}),
	}
	req, _ := http.NewRequest(http.MethodGet, "https://anything.example.com", nil)
	resp, err := c.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected intercepted response, got %d", resp.StatusCode)
	}
}

type interceptFunc func(req *http.Request) (*http.Response, bool, error)

func (f interceptFunc) Intercept(req *http.Request) (*http.Response, bool, error) { return f(req) }
