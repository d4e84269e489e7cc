package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/intercom/internal/auth"
	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/launcher"
)

// ErrMissionNotFound is returned by MissionStatus when the daemon does not
// know the mission id.
var ErrMissionNotFound = errors.New("router: mission not found")

const (
	dispatchTimeout = 120 * time.Second
	maxReplyBody    = 4 << 20
)

// HTTPTransport signs envelopes with the target node's secret and POSTs
// them to <node.URL>/api/message.
type HTTPTransport struct {
	NodeID string // identity sent in the machine header
	Client *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport returns a transport identifying itself as nodeID.
func NewHTTPTransport(nodeID string) *HTTPTransport {
	return &HTTPTransport{NodeID: nodeID, Client: &http.Client{Timeout: dispatchTimeout}}
}

// Dispatch delivers msg and decodes the daemon's JSON reply. Non-2xx replies
// and malformed JSON are errors.
func (t *HTTPTransport) Dispatch(ctx context.Context, node Node, msg envelope.Message) (map[string]any, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("router: marshal envelope: %w", err)
	}
	req, err := t.request(ctx, http.MethodPost, node, "/api/message", body)
	if err != nil {
		return nil, err
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("router: post %s: %w", node.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return nil, fmt.Errorf("router: read reply from %s: %w", node.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("router: %s replied %d: %s", node.ID, resp.StatusCode, clip(data, 200))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("router: decode reply from %s: %w", node.ID, err)
	}
	if out == nil {
		return nil, fmt.Errorf("router: %s replied with empty JSON", node.ID)
	}
	return out, nil
}

// MissionStatus fetches a mission snapshot with feedback from index since.
func (t *HTTPTransport) MissionStatus(ctx context.Context, node Node, missionID string, since int) (*launcher.Snapshot, error) {
	path := "/api/missions/" + url.PathEscape(missionID) + "?feedback_since=" + strconv.Itoa(since)
	req, err := t.request(ctx, http.MethodGet, node, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("router: mission status from %s: %w", node.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return nil, fmt.Errorf("router: read mission status from %s: %w", node.ID, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s on %s", ErrMissionNotFound, missionID, node.ID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("router: mission status from %s: %d: %s", node.ID, resp.StatusCode, clip(data, 200))
	}
	var snap launcher.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("router: decode mission status from %s: %w", node.ID, err)
	}
	return &snap, nil
}

// StopMission asks the daemon to stop a mission. It reports whether a
// running mission was stopped.
func (t *HTTPTransport) StopMission(ctx context.Context, node Node, missionID string) (bool, error) {
	req, err := t.request(ctx, http.MethodDelete, node, "/api/missions/"+url.PathEscape(missionID), nil)
	if err != nil {
		return false, err
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return false, fmt.Errorf("router: stop mission on %s: %w", node.ID, err)
	}
	defer resp.Body.Close()

	var out struct {
		Stopped bool `json:"stopped"`
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("router: stop mission on %s: %d: %s", node.ID, resp.StatusCode, clip(data, 200))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBody)).Decode(&out); err != nil {
		return false, fmt.Errorf("router: decode stop reply from %s: %w", node.ID, err)
	}
	return out.Stopped, nil
}

func (t *HTTPTransport) request(ctx context.Context, method string, node Node, path string, body []byte) (*http.Request, error) {
	if node.URL == "" {
		return nil, fmt.Errorf("router: node %s has no daemon url", node.ID)
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(node.URL, "/")+path, rd)
	if err != nil {
		return nil, fmt.Errorf("router: build request for %s: %w", node.ID, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Bodyless requests sign the empty body.
	auth.Sign(body, t.NodeID, node.Secret).Apply(req)
	return req, nil
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func clip(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n]
	}
	return s
}
