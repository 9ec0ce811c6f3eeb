package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

const testAdminKey = "admin-secret"

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	desktop = entitlement.Product{
		ID:             "desktop",
		Name:           "Desktop",
		MaxActivations: 2,
		LicenseType:    entitlement.TypePerpetual,
	}
	cloud = entitlement.Product{
		ID:                  "cloud",
		Name:                "Cloud",
		MaxActivations:      3,
		LicenseType:         entitlement.TypeSubscription,
		LicenseDurationDays: 31,
		BillingCycle:        entitlement.BillingMonthly,
		GracePeriodDays:     5,
	}
)

type testEnv struct {
	srv      *httptest.Server
	engine   *entitlement.Engine
	clock    *entitlement.ManualClock
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	return newTestEnvWithEngine(t, nil, opts...)
}

func newTestEnvWithEngine(t *testing.T, engineOpts []entitlement.Option, opts ...Option) *testEnv {
	t.Helper()
	clock := entitlement.NewManualClock(testEpoch)
	signer, err := entitlement.NewSigner(make([]byte, 32))
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	engineBase := []entitlement.Option{
		entitlement.WithClock(clock),
		entitlement.WithCatalog(entitlement.StaticCatalog{desktop.ID: desktop, cloud.ID: cloud}),
		entitlement.WithSigner(signer),
		entitlement.WithRegisterer(registry),
	}
	engine := entitlement.New(entitlement.NewMemoryStore(), append(engineBase, engineOpts...)...)
	base := []Option{WithAdminKey(testAdminKey), WithRegistry(registry)}
	srv := httptest.NewServer(New(engine, append(base, opts...)...).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, engine: engine, clock: clock, registry: registry}
}

func (e *testEnv) issue(t *testing.T, p entitlement.Product) entitlement.License {
	t.Helper()
	lic, err := e.engine.Issue(context.Background(), entitlement.IssueRequest{Product: p, OrderID: "ord-" + p.ID})
	require.NoError(t, err)
	return lic
}

// do sends body as JSON (nil sends no body) and decodes the response into
// out when out is not nil.
func (e *testEnv) do(t *testing.T, method, path, apiKey string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) admin(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	return e.do(t, method, "/v1/admin"+path, testAdminKey, body, out)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *errorDetail    `json:"error"`
}
