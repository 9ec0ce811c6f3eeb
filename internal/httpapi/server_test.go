package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

func TestValidate_NotFoundIsOK(t *testing.T) {
	env := newTestEnv(t)

	var res entitlement.ValidationResult
	status := env.do(t, http.MethodPost, "/v1/validate", "", map[string]string{"license_key": "ZZZZ-ZZZZ-ZZZZ-ZZZZ"}, &res)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, res.Found)
	assert.False(t, res.Valid)
	assert.Equal(t, entitlement.ReasonNotFound, res.Reason)
}

func TestValidate_Active(t *testing.T) {
	env := newTestEnv(t)
	lic := env.issue(t, cloud)

	var res entitlement.ValidationResult
	status := env.do(t, http.MethodPost, "/v1/validate", "", map[string]string{
		"license_key": strings.ToLower(lic.Key),
	}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, res.Valid)
	assert.Equal(t, entitlement.StatusActive, res.Status)
	assert.Equal(t, entitlement.TypeSubscription, res.Type)
	assert.Equal(t, 3, res.MaxActivations)
	require.NotNil(t, res.ExpiresAt)
	assert.True(t, res.ExpiresAt.Equal(testEpoch.Add(31*day)))
}

func TestValidate_MissingKey(t *testing.T) {
	env := newTestEnv(t)

	var body envelope
	status := env.do(t, http.MethodPost, "/v1/validate", "", map[string]string{}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, body.Error)
	assert.Equal(t, CodeInvalidRequest, body.Error.Code)
	assert.Equal(t, "license_key is required", body.Error.Message)
}

func TestActivate_CapAndErrors(t *testing.T) {
	env := newTestEnv(t)
	lic := env.issue(t, desktop)

	activate := func(fp string) (int, envelope) {
		var body envelope
		status := env.do(t, http.MethodPost, "/v1/activate", "", map[string]any{
			"license_key": lic.Key,
			"fingerprint": fp,
			"machine_id":  "m-" + fp,
			"system_info": map[string]string{"os": "linux"},
		}, &body)
		return status, body
	}

	status, body := activate("fp-a")
	require.Equal(t, http.StatusOK, status)
	var res entitlement.ActivationResult
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, 1, res.RemainingActivations)
	assert.Equal(t, "m-fp-a", res.Activation.MachineID)
	assert.Equal(t, "linux", res.Activation.SystemInfo["os"])
	assert.NotEmpty(t, res.Activation.IPAddress)
	assert.NotNil(t, res.Certificate)

	status, body = activate("fp-a")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeAlreadyActivated, body.Error.Code)

	status, _ = activate("fp-b")
	require.Equal(t, http.StatusOK, status)

	status, body = activate("fp-c")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeActivationLimit, body.Error.Code)
	assert.Equal(t, "activation limit reached", body.Error.Message)
}

func TestActivate_ForbiddenMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	expired := env.issue(t, cloud)
	suspended := env.issue(t, desktop)
	_, err := env.engine.Suspend(ctx, suspended.Key)
	require.NoError(t, err)
	env.clock.Advance(40 * day)

	tests := []struct {
		key     string
		message string
	}{
		{expired.Key, "license expired"},
		{suspended.Key, "license suspended"},
	}
	for _, tt := range tests {
		var body envelope
		status := env.do(t, http.MethodPost, "/v1/activate", "", map[string]string{
			"license_key": tt.key,
			"fingerprint": "fp",
		}, &body)
		assert.Equal(t, http.StatusForbidden, status)
		require.NotNil(t, body.Error)
		assert.Equal(t, CodeForbidden, body.Error.Code)
		assert.Equal(t, tt.message, body.Error.Message)
	}
}

func TestActivate_UnknownLicense(t *testing.T) {
	env := newTestEnv(t)

	var body envelope
	status := env.do(t, http.MethodPost, "/v1/activate", "", map[string]string{
		"license_key": "ZZZZ-ZZZZ-ZZZZ-ZZZZ",
		"fingerprint": "fp",
	}, &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeNotFound, body.Error.Code)
}

func TestActivate_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"missing fingerprint", map[string]any{"license_key": "ABCD-EFGH-JKLM-NPQR"}, "fingerprint is required"},
		{"blank fingerprint", map[string]any{"license_key": "ABCD-EFGH-JKLM-NPQR", "fingerprint": "   "}, "fingerprint is required"},
		{"long fingerprint", map[string]any{"license_key": "ABCD-EFGH-JKLM-NPQR", "fingerprint": strings.Repeat("f", 256)}, "fingerprint must be at most 255"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body envelope
			status := env.do(t, http.MethodPost, "/v1/activate", "", tt.body, &body)
			assert.Equal(t, http.StatusBadRequest, status)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.want, body.Error.Message)
		})
	}
}

func TestActivate_MalformedBody(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.srv.Client().Post(env.srv.URL+"/v1/activate", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeactivateAndHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	lic := env.issue(t, desktop)
	machine := map[string]string{"license_key": lic.Key, "fingerprint": "fp-a"}

	var body envelope
	status := env.do(t, http.MethodPost, "/v1/heartbeat", "", machine, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeNotActivated, body.Error.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/activate", "", machine, nil))

	env.clock.Advance(time.Hour)
	body = envelope{}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/heartbeat", "", machine, &body))
	var act entitlement.Activation
	require.NoError(t, json.Unmarshal(body.Data, &act))
	assert.True(t, act.LastSeenAt.Equal(testEpoch.Add(time.Hour)))

	body = envelope{}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/deactivate", "", machine, &body))
	var res struct {
		OK                   bool `json:"ok"`
		RemainingActivations int  `json:"remaining_activations"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.RemainingActivations)

	body = envelope{}
	status = env.do(t, http.MethodPost, "/v1/deactivate", "", machine, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeNotActivated, body.Error.Code)
}

func TestDeactivate_StrictInvariantViolation(t *testing.T) {
	env := newTestEnvWithEngine(t, []entitlement.Option{entitlement.WithStrictInvariants(true)})
	lic := env.issue(t, desktop)
	machine := map[string]string{"license_key": lic.Key, "fingerprint": "fp-a"}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/activate", "", machine, nil))

	err := env.engine.Store().Update(context.Background(), lic.Key, func(tx entitlement.Tx) error {
		l := tx.License()
		l.ActivationCount = 0
		return tx.SaveLicense(l)
	})
	require.NoError(t, err)

	var body envelope
	status := env.do(t, http.MethodPost, "/v1/deactivate", "", machine, &body)
	assert.Equal(t, http.StatusInternalServerError, status)
	require.NotNil(t, body.Error)
	assert.Equal(t, CodeInvariantViolation, body.Error.Code)
	assert.Equal(t, "activation bookkeeping inconsistent", body.Error.Message)

	// The clamped deactivation is committed.
	body = envelope{}
	status = env.do(t, http.MethodPost, "/v1/deactivate", "", machine, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeNotActivated, body.Error.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{entitlement.ErrLicenseNotFound, http.StatusNotFound, CodeNotFound},
		{entitlement.ErrInvalidLicense, http.StatusForbidden, CodeForbidden},
		{entitlement.ErrAlreadyActivated, http.StatusConflict, CodeAlreadyActivated},
		{entitlement.ErrCapExceeded, http.StatusConflict, CodeActivationLimit},
		{entitlement.ErrNotActivated, http.StatusConflict, CodeNotActivated},
		{entitlement.ErrInvalidArgument, http.StatusBadRequest, CodeInvalidRequest},
		{entitlement.ErrTransient, http.StatusServiceUnavailable, CodeUnavailable},
		{entitlement.ErrInvariantViolation, http.StatusInternalServerError, CodeInvariantViolation},
		{fmt.Errorf("get license: %w", context.DeadlineExceeded), http.StatusServiceUnavailable, CodeUnavailable},
		{errors.New("pq: connection refused"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		status, code := statusFor(tt.err)
		assert.Equal(t, tt.status, status, "%v", tt.err)
		assert.Equal(t, tt.code, code, "%v", tt.err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", nil, nil))

	down := newTestEnv(t, WithHealthCheck(func(context.Context) error { return errors.New("store down") }))
	var body map[string]string
	assert.Equal(t, http.StatusServiceUnavailable, down.do(t, http.MethodGet, "/healthz", "", nil, &body))
	assert.Equal(t, "unavailable", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	lic := env.issue(t, desktop)
	env.do(t, http.MethodPost, "/v1/activate", "", map[string]string{"license_key": lic.Key, "fingerprint": "fp"}, nil)

	resp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(raw)

	assert.Contains(t, out, `cnw_license_http_requests_total{code="200",method="POST",route="/v1/activate"} 1`)
	assert.Contains(t, out, "cnw_license_activations_total")
	assert.NotContains(t, out, lic.Key)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	var body envelope
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v2/nothing", "", nil, &body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
}
