package daemon

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
	"github.com/zulandar/intercom/internal/registry"
	"github.com/zulandar/intercom/internal/router"
)

// ErrNotFound is returned when the hub answers 404.
var ErrNotFound = errors.New("daemon: not found on hub")

const (
	hubTimeout   = 6 * time.Minute // covers a route waiting on human approval
	maxHubReply  = 4 << 20
	errSnippetSz = 200
)

// HubClient calls the hub API on behalf of one machine. Every request except
// the join calls is signed with the machine's token.
type HubClient struct {
	URL       string
	MachineID string
	Token     string
	Client    *http.Client
}

// NewHubClient returns a client for the hub at hubURL.
func NewHubClient(hubURL, machineID, token string) *HubClient {
	return &HubClient{
		URL:       strings.TrimRight(hubURL, "/"),
		MachineID: machineID,
		Token:     token,
		Client:    &http.Client{Timeout: hubTimeout},
	}
}

// Register announces this machine and its projects.
func (c *HubClient) Register(ctx context.Context, reg registry.Registration) error {
	return c.call(ctx, http.MethodPost, "/api/register", reg, nil)
}

// Heartbeat refreshes this machine's last-seen time.
func (c *HubClient) Heartbeat(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/heartbeat", map[string]string{"machine_id": c.MachineID}, nil)
}

// Route asks the hub to route an envelope. Routing failures come back in
// the Result; the error covers transport and authentication failures.
func (c *HubClient) Route(ctx context.Context, req router.Request) (router.Result, error) {
	code, data, err := c.do(ctx, http.MethodPost, "/api/route", req, true)
	if err != nil {
		return nil, err
	}
	if code == http.StatusUnauthorized {
		return nil, fmt.Errorf("daemon: route: %w", auth.ErrUnauthorized)
	}
	var res router.Result
	if err := json.Unmarshal(data, &res); err != nil || res == nil {
		return nil, fmt.Errorf("daemon: route: hub replied %d: %s", code, snippet(data))
	}
	return res, nil
}

// ListAgents lists registered agents. filter is "all", "online" or
// "offline"; machine narrows to one machine when non-empty.
func (c *HubClient) ListAgents(ctx context.Context, filter, machine string) ([]registry.Agent, error) {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	if machine != "" {
		q.Set("machine", machine)
	}
	var out struct {
		Agents []registry.Agent `json:"agents"`
	}
	if err := c.call(ctx, http.MethodGet, withQuery("/api/agents", q), nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// ListMachines lists registered machines.
func (c *HubClient) ListMachines(ctx context.Context) ([]registry.MachineView, error) {
	var out struct {
		Machines []registry.MachineView `json:"machines"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/machines", nil, &out); err != nil {
		return nil, err
	}
	return out.Machines, nil
}

// MissionStatus fetches a mission snapshot through the hub.
func (c *HubClient) MissionStatus(ctx context.Context, missionID string) (*launcher.Snapshot, error) {
	var snap launcher.Snapshot
	err := c.call(ctx, http.MethodGet, "/api/missions/"+url.PathEscape(missionID), nil, &snap)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", router.ErrMissionNotFound, missionID)
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// History returns the last limit envelopes of a mission, oldest first.
func (c *HubClient) History(ctx context.Context, missionID string, limit int) ([]envelope.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Messages []envelope.Message `json:"messages"`
	}
	path := withQuery("/api/missions/"+url.PathEscape(missionID)+"/history", q)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// StopMission asks the hub to stop a mission on whichever machine runs it.
func (c *HubClient) StopMission(ctx context.Context, missionID string) (bool, error) {
	var out struct {
		Stopped bool `json:"stopped"`
	}
	if err := c.call(ctx, http.MethodDelete, "/api/missions/"+url.PathEscape(missionID), nil, &out); err != nil {
		return false, err
	}
	return out.Stopped, nil
}

// Join submits an unsigned join request.
func (c *HubClient) Join(ctx context.Context, req registry.JoinRequest) (registry.JoinStatus, error) {
	var out registry.JoinStatus
	err := c.unsigned(ctx, http.MethodPost, "/api/join", req, &out)
	return out, err
}

// JoinStatus polls a join request. The token is present once, on the first
// poll after approval.
func (c *HubClient) JoinStatus(ctx context.Context, machineID, nonce string) (registry.JoinStatus, error) {
	q := url.Values{"nonce": {nonce}}
	var out registry.JoinStatus
	err := c.unsigned(ctx, http.MethodGet, withQuery("/api/join/"+url.PathEscape(machineID), q), nil, &out)
	return out, err
}

// AnswerJoin approves or denies a pending join. It must be signed with the
// hub's admin token.
func (c *HubClient) AnswerJoin(ctx context.Context, machineID string, approve bool) error {
	verb := "deny"
	if approve {
		verb = "approve"
	}
	return c.call(ctx, http.MethodPost, "/api/join/"+verb+"/"+url.PathEscape(machineID), nil, nil)
}

// Inbox drains the messages queued for a project. Unlike the other calls it
// goes to a daemon, so c.URL must be the daemon's URL.
func (c *HubClient) Inbox(ctx context.Context, project string) ([]envelope.Message, error) {
	var out struct {
		Messages []envelope.Message `json:"messages"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/inbox/"+url.PathEscape(project), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *HubClient) call(ctx context.Context, method, path string, in, out any) error {
	code, data, err := c.do(ctx, method, path, in, true)
	if err != nil {
		return err
	}
	return decodeReply(method, path, code, data, out)
}

func (c *HubClient) unsigned(ctx context.Context, method, path string, in, out any) error {
	code, data, err := c.do(ctx, method, path, in, false)
	if err != nil {
		return err
	}
	return decodeReply(method, path, code, data, out)
}

func (c *HubClient) do(ctx context.Context, method, path string, in any, sign bool) (int, []byte, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, nil, fmt.Errorf("daemon: encode %s: %w", path, err)
		}
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("daemon: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sign {
		auth.Sign(body, c.MachineID, c.Token).Apply(req)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("daemon: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHubReply))
	if err != nil {
		return 0, nil, fmt.Errorf("daemon: read %s reply: %w", path, err)
	}
	return resp.StatusCode, data, nil
}

func decodeReply(method, path string, code int, data []byte, out any) error {
	switch {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("daemon: %s %s: %w", method, path, auth.ErrUnauthorized)
	case code == http.StatusNotFound:
		return fmt.Errorf("daemon: %s %s: %w: %s", method, path, ErrNotFound, snippet(data))
	case code < 200 || code > 299:
		return fmt.Errorf("daemon: %s %s: hub replied %d: %s", method, path, code, snippet(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("daemon: decode %s reply: %w", path, err)
	}
	return nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > errSnippetSz {
		return s[:errSnippetSz]
	}
	return s
}
