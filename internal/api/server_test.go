package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mdhub/internal/apperr"
	"mdhub/internal/supervisor"
	"mdhub/pkg/types"
)

type fakeStore struct {
	accounts map[string]*types.Account
	lastCmd  supervisor.Command
}

func newFakeStore() *fakeStore { return &fakeStore{accounts: map[string]*types.Account{}} }

func (f *fakeStore) Create(ctx context.Context, acc types.Account) (*types.Account, error) {
	if _, exists := f.accounts[acc.ID]; exists {
		return nil, apperr.New(apperr.Duplicate, "exists")
	}
	f.accounts[acc.ID] = &acc
	return &acc, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*types.Account, error) {
	acc, ok := f.accounts[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "not found")
	}
	return acc, nil
}

func (f *fakeStore) List(ctx context.Context) ([]*types.Account, error) {
	var out []*types.Account
	for _, acc := range f.accounts {
		out = append(out, acc)
	}
	return out, nil
}

func (f *fakeStore) Update(ctx context.Context, id string, patch types.AccountPatch) (*types.Account, error) {
	acc, ok := f.accounts[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "not found")
	}
	if patch.Enabled != nil {
		acc.Enabled = *patch.Enabled
	}
	return acc, nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	if _, ok := f.accounts[id]; !ok {
		return apperr.New(apperr.NotFound, "not found")
	}
	delete(f.accounts, id)
	return nil
}

type fakeGateway struct {
	sessions map[string]types.GatewaySession
}

func (f *fakeGateway) Submit(ctx context.Context, cmd supervisor.Command) error {
	return nil
}

func (f *fakeGateway) Sessions() []types.GatewaySession {
	var out []types.GatewaySession
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeGateway) Session(accountID string) (types.GatewaySession, bool) {
	s, ok := f.sessions[accountID]
	return s, ok
}

func newTestAPI() (*Server, *fakeStore, *fakeGateway) {
	store := newFakeStore()
	gw := &fakeGateway{sessions: map[string]types.GatewaySession{}}
	s := New(Config{}, store, gw, nil, nil, zap.NewNop())
	return s, store, gw
}

func doJSON(t *testing.T, app *Server, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.App().Test(req)
	require.NoError(t, err)
	return resp
}

func TestCreateAccountThenGet(t *testing.T) {
	s, _, _ := newTestAPI()

	resp := doJSON(t, s, http.MethodPost, "/v1/accounts/", types.Account{
		ID: "acct-1", GatewayType: types.GatewayCTP, Priority: 1,
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, s, http.MethodGet, "/v1/accounts/acct-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetUnknownAccountReturns404(t *testing.T) {
	s, _, _ := newTestAPI()
	resp := doJSON(t, s, http.MethodGet, "/v1/accounts/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartAccountSubmitsCommand(t *testing.T) {
	s, store, _ := newTestAPI()
	store.accounts["acct-1"] = &types.Account{ID: "acct-1", GatewayType: types.GatewayCTP}

	resp := doJSON(t, s, http.MethodPost, "/v1/accounts/acct-1/start", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestListSessionsReturnsEmptyArray(t *testing.T) {
	s, _, _ := newTestAPI()
	resp := doJSON(t, s, http.MethodGet, "/v1/sessions", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpdateAccountUsesPut(t *testing.T) {
	s, store, _ := newTestAPI()
	store.accounts["acct-1"] = &types.Account{ID: "acct-1", GatewayType: types.GatewayCTP, Enabled: true}

	enabled := false
	resp := doJSON(t, s, http.MethodPut, "/v1/accounts/acct-1", types.AccountPatch{Enabled: &enabled})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, store.accounts["acct-1"].Enabled)
}

func TestHealthReturnsAggregatedView(t *testing.T) {
	s, _, gw := newTestAPI()
	gw.sessions["acct-1"] = types.GatewaySession{AccountID: "acct-1", GatewayType: types.GatewayCTP, State: types.SessionConnected}

	resp := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "sessions")
	assert.Contains(t, body, "health")
	assert.Contains(t, body, "bindings")
	assert.Contains(t, body, "recovery")
	assert.Contains(t, body, "uptime")
	assert.Len(t, body["sessions"], 1)
}
