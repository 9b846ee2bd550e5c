package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdcn/internal/config"
	"mdcn/internal/db"
	"mdcn/internal/domain"
	"mdcn/internal/engine"
	"mdcn/internal/ledger"
	"mdcn/internal/migrate"
	"mdcn/internal/repo"
	"mdcn/internal/routing"
)

const (
	admin = "0xa0000000000000000000000000000000000000a1"
	ops   = "0xb0000000000000000000000000000000000000b3"
	field = "0xc0000000000000000000000000000000000000c6"
	sea   = "0xd0000000000000000000000000000000000000d1"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(repo.New(conn), config.Default("test"), zerolog.Nop())
	_, err = e.Seed(context.Background(), "", []domain.RoleAssignment{
		{Identity: admin, Role: domain.RoleStrategic},
		{Identity: ops, Role: domain.RoleOperational},
		{Identity: field, Role: domain.RoleTactical},
		{Identity: sea, Role: domain.RoleTactical},
	})
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowIdentityHeader: true, Logger: zerolog.Nop()},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(id string) map[string]string { return map[string]string{"X-Identity": id} }

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestMeRequiresPrincipal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, as(ops))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var p engine.Profile
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, domain.RoleOperational, p.Role)
	assert.Equal(t, domain.BranchArmy, p.Branch)
	assert.NotContains(t, p.Composable, domain.KindCommand)
}

func TestDevTokenAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/token", map[string]any{"identity": admin, "ttl": "1h"}, as(admin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tok TokenResponse
	require.NoError(t, json.Unmarshal(data, &tok))
	require.NotEmpty(t, tok.Token)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var p engine.Profile
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, domain.RoleStrategic, p.Role)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestGroupCommandReachesInbox(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/command", map[string]any{
		"destination":     "group",
		"recipient_group": 2,
		"branch":          1,
		"body":            "Advance",
		"layer":           1,
	}, as(admin))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var d DeliveryResponse
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, 1, d.Delivered)
	assert.Equal(t, uint64(1), d.Results[0].ID)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages/command/inbox?group=2", nil, as(ops))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list RecordList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "Advance", list.Items[0].Body)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages/command/inbox?group=2", nil, as(sea))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Empty(t, list.Items)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands/1/execute", nil, as(admin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands/1/execute", nil, as(admin))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "rejected_write", errorCode(t, data))
}

func TestDirectComposeBindsKind(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/intelligence", map[string]any{
		"destination": "direct",
		"to":          admin,
		"body":        "hello",
	}, as(ops))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var d DeliveryResponse
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, domain.KindIntelligence, d.Kind)
	assert.Equal(t, 1, d.Delivered)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages/intelligence/inbox", nil, as(admin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list RecordList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, domain.Identity(ops), list.Items[0].Sender)
}

func TestComposeResultKeepsFailedTargets(t *testing.T) {
	rej := ledger.Rejected(domain.KindCommand, ledger.EventCreated, "strategic role required")
	d := routing.Delivery{Results: []routing.Result{
		{Target: routing.Target{Recipient: admin}, Err: rej},
		{Target: routing.Target{Recipient: ops}, Err: rej},
	}}

	out, err := composeResult(domain.KindCommand, d, rej)
	assert.Nil(t, out)
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusForbidden, ae.GetStatus())
	assert.Equal(t, "rejected_write", ae.Body.Code)
	resp, ok := ae.Body.Details["delivery"].(DeliveryResponse)
	require.True(t, ok)
	assert.Equal(t, 0, resp.Delivered)
	assert.Equal(t, 2, resp.Failed)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, domain.Identity(ops), resp.Results[1].Target.Recipient)
	require.NotNil(t, resp.Results[1].Error)
	assert.Equal(t, "rejected_write", resp.Results[1].Error.Code)
}

func TestComposeResultPartialIsMultiStatus(t *testing.T) {
	d := routing.Delivery{Results: []routing.Result{
		{Target: routing.Target{Recipient: admin}, Receipt: ledger.Receipt{ID: 4, Seq: 9}},
		{Target: routing.Target{Recipient: ops}, Err: ledger.Unavailable(io.ErrUnexpectedEOF)},
	}}

	out, err := composeResult(domain.KindIntelligence, d, &routing.PartialBroadcastError{Delivery: d})
	require.NoError(t, err)
	assert.Equal(t, http.StatusMultiStatus, out.Status)
	assert.Equal(t, 1, out.Body.Delivered)
	assert.Equal(t, 1, out.Body.Failed)
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	bodies := make([][]byte, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	require.NotEmpty(t, bodies[0])
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
	assert.Contains(t, string(bodies[0]), "/messages/{kind}/inbox")
}

func TestForbiddenAndRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/command", map[string]any{
		"destination": "direct", "to": admin, "body": "not allowed",
	}, as(field))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/intel", map[string]any{
		"destination": "direct", "to": admin, "body": "contact",
	}, as(ops))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/intelligence/1/ack", nil, as(sea))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "rejected_write", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/intelligence/1/ack", nil, as(admin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages/intelligence/1", nil, as(admin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var th ThreadResponse
	require.NoError(t, json.Unmarshal(data, &th))
	require.NotNil(t, th.Record.Ack)
	assert.Equal(t, "[Branch: 1, Group: 2] contact", th.Record.Payload)
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages/bogus/inbox", nil, as(admin))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages/command/99", nil, as(admin))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages/command", nil, as(ops))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/intelligence", map[string]any{
		"destination": "direct", "to": admin, "body": "   ",
	}, as(ops))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestRolesAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/roles/0xe0000000000000000000000000000000000000e1", map[string]any{"role": "tactical"}, as(admin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/roles", nil, as(admin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var members MemberList
	require.NoError(t, json.Unmarshal(data, &members))
	assert.Len(t, members.Items, 5)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/roles/"+sea, map[string]any{"role": "strategic"}, as(ops))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?kind=role&limit=2", nil, as(admin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evs EventList
	require.NoError(t, json.Unmarshal(data, &evs))
	assert.Len(t, evs.Items, 2)
}

func TestMetricsExposed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/messages/command/inbox", nil, as(admin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(data), "mdcn_projection_rebuilds_total"))
}
