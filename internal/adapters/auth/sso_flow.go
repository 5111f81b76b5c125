package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const callbackPath = "/sso/callback"

var (
	ErrStateMismatch   = errors.New("sso callback state mismatch")
	ErrCallbackTimeout = errors.New("timed out waiting for sso callback")
	ErrMissingState    = errors.New("expected state is required")
)

func NewState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// CallbackServer receives the loginToken the homeserver appends to the
// redirect URL once single sign-on completes.
type CallbackServer struct {
	expectedState string
	listener      net.Listener
	server        *http.Server
	resultCh      chan callbackResult
	resultOnce    sync.Once
	closeOnce     sync.Once
}

type callbackResult struct {
	loginToken string
	err        error
}

func StartCallbackServer(listenAddr string, expectedState string) (*CallbackServer, error) {
	if expectedState == "" {
		return nil, ErrMissingState
	}
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen callback server: %w", err)
	}

	cb := &CallbackServer{
		expectedState: expectedState,
		listener:      listener,
		resultCh:      make(chan callbackResult, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, cb.handleCallback)

	cb.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if serveErr := cb.server.Serve(cb.listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			cb.trySendResult(callbackResult{err: serveErr})
		}
	}()

	return cb, nil
}

// RedirectURL is the callback handed to the homeserver. The state travels
// inside it because the homeserver only appends loginToken.
func (c *CallbackServer) RedirectURL() string {
	host := "127.0.0.1"
	port := 0
	if tcpAddr, ok := c.listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
		if !tcpAddr.IP.IsUnspecified() && tcpAddr.IP != nil {
			host = tcpAddr.IP.String()
		}
	}

	query := url.Values{}
	query.Set("state", c.expectedState)
	redirect := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(host, fmt.Sprint(port)),
		Path:     callbackPath,
		RawQuery: query.Encode(),
	}

	return redirect.String()
}

// WaitForLoginToken blocks until the browser hits the callback, the timeout
// elapses or ctx ends. The server is closed on return.
func (c *CallbackServer) WaitForLoginToken(ctx context.Context, timeout time.Duration) (string, error) {
	defer c.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-c.resultCh:
		return result.loginToken, result.err
	case <-timer.C:
		return "", ErrCallbackTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *CallbackServer) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		closeErr = c.server.Close()
	})
	return closeErr
}

func (c *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("state") != c.expectedState {
		c.trySendResult(callbackResult{err: ErrStateMismatch})
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	loginToken := query.Get("loginToken")
	if loginToken == "" {
		c.trySendResult(callbackResult{err: errors.New("missing login token")})
		http.Error(w, "missing login token", http.StatusBadRequest)
		return
	}

	c.trySendResult(callbackResult{loginToken: loginToken})
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Sign-in complete. You can close this window."))
}

func (c *CallbackServer) trySendResult(result callbackResult) {
	c.resultOnce.Do(func() {
		c.resultCh <- result
	})
}
