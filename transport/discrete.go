package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hazyhaar/idemirror/wire"
)

// Discrete fallback endpoints, relative to the backend base URL. Functionally
// equivalent to the duplex commands they substitute for.
const (
	pathConnect = "/api/connect"
	pathClick   = "/api/click"
	pathChat    = "/api/chat"
)

// maxResponseBody caps discrete response reads (snapshots included).
const maxResponseBody int64 = 32 << 20

// discreteClient POSTs individual commands to the backend's request/response
// endpoints while the duplex channel is unavailable.
type discreteClient struct {
	baseURL string
	client  *http.Client
	breaker *CircuitBreaker
}

func newDiscreteClient(baseURL string, timeout time.Duration, breaker *CircuitBreaker) *discreteClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &discreteClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// endpointFor maps a duplex command to its discrete substitute. Typing
// commands have no discrete equivalent: live keystroke mirroring needs the
// duplex channel.
func endpointFor(cmdType string) (string, bool) {
	switch cmdType {
	case wire.CmdConnectIDE:
		return pathConnect, true
	case wire.CmdClickElement:
		return pathClick, true
	case wire.CmdSendChatMessage:
		return pathChat, true
	}
	return "", false
}

// call POSTs the command payload and decodes the {success,data,error} result.
func (d *discreteClient) call(ctx context.Context, path string, payload any) (*wire.Result, error) {
	if d.breaker != nil && !d.breaker.Allow() {
		return nil, &ErrCircuitOpen{Endpoint: path}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal discrete payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.record(false)
		return nil, fmt.Errorf("transport: discrete %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		d.record(false)
		return nil, fmt.Errorf("transport: read discrete response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.record(false)
		return nil, fmt.Errorf("transport: discrete %s: status %d: %s", path, resp.StatusCode, data)
	}

	var res wire.Result
	if err := json.Unmarshal(data, &res); err != nil {
		d.record(false)
		return nil, fmt.Errorf("transport: decode discrete result: %w", err)
	}

	d.record(true)
	return &res, nil
}

func (d *discreteClient) record(ok bool) {
	if d.breaker == nil {
		return
	}
	if ok {
		d.breaker.RecordSuccess()
	} else {
		d.breaker.RecordFailure()
	}
}

// ErrCircuitOpen is returned when the fallback endpoint's circuit breaker is
// open, rejecting the call without attempting the request.
type ErrCircuitOpen struct {
	Endpoint string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("transport: circuit open: %s", e.Endpoint)
}

// ErrNoFallback is returned for commands that cannot be expressed as a
// discrete request while the channel is degraded.
type ErrNoFallback struct {
	CommandType string
}

func (e *ErrNoFallback) Error() string {
	return fmt.Sprintf("transport: no discrete fallback for %s", e.CommandType)
}
