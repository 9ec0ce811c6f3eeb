package httpapi

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/cnw-license-server/cnwlicense"
)

func TestOnlineClient_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	lic := env.issue(t, desktop)
	ctx := t.Context()
	client := cnwlicense.NewOnlineClient(env.srv.URL, "", cnwlicense.WithFingerprint("fp-a"))

	res, err := client.Activate(ctx, cnwlicense.ActivateRequest{
		LicenseKey: lic.Key,
		SystemInfo: map[string]string{"os": "linux"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fp-a", res.Activation.Fingerprint)
	assert.Equal(t, 1, res.RemainingActivations)
	assert.Equal(t, 2, res.MaxActivations)
	require.NotNil(t, res.Certificate)

	verifier := cnwlicense.NewOfflineValidator(
		cnwlicense.WithTrustedPublicKey(env.engine.Signer().PublicKeyBase64()),
		cnwlicense.WithMachineFingerprint("fp-a"),
		cnwlicense.WithClock(env.clock.Now),
	)
	claims, err := verifier.VerifyCertificate(res.Certificate)
	require.NoError(t, err)
	assert.Equal(t, lic.Key, claims.LicenseKey)
	assert.Equal(t, desktop.ID, claims.ProductID)
	assert.Equal(t, "perpetual", claims.LicenseType)
	assert.Nil(t, claims.ExpiresAt)

	_, err = client.Activate(ctx, cnwlicense.ActivateRequest{LicenseKey: lic.Key})
	assert.ErrorIs(t, err, cnwlicense.ErrAlreadyActivated)

	_, err = client.Activate(ctx, cnwlicense.ActivateRequest{LicenseKey: lic.Key, Fingerprint: "fp-b"})
	require.NoError(t, err)
	_, err = client.Activate(ctx, cnwlicense.ActivateRequest{LicenseKey: lic.Key, Fingerprint: "fp-c"})
	assert.ErrorIs(t, err, cnwlicense.ErrActivationLimit)

	val, err := client.Validate(ctx, cnwlicense.ValidateRequest{LicenseKey: lic.Key})
	require.NoError(t, err)
	assert.True(t, val.Valid)
	assert.True(t, val.Activated)
	assert.Equal(t, 2, val.ActivationsUsed)

	hb, err := client.Heartbeat(ctx, cnwlicense.HeartbeatRequest{LicenseKey: lic.Key})
	require.NoError(t, err)
	assert.True(t, hb.Active)

	dr, err := client.Deactivate(ctx, cnwlicense.DeactivateRequest{LicenseKey: lic.Key})
	require.NoError(t, err)
	assert.True(t, dr.OK)
	assert.Equal(t, 1, dr.RemainingActivations)

	_, err = client.Deactivate(ctx, cnwlicense.DeactivateRequest{LicenseKey: lic.Key})
	assert.ErrorIs(t, err, cnwlicense.ErrNotActivated)
	_, err = client.Heartbeat(ctx, cnwlicense.HeartbeatRequest{LicenseKey: lic.Key})
	assert.ErrorIs(t, err, cnwlicense.ErrNotActivated)
}

func TestOnlineClient_ServerErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	client := cnwlicense.NewOnlineClient(env.srv.URL, "")

	val, err := client.Validate(ctx, cnwlicense.ValidateRequest{LicenseKey: "ZZZZ-ZZZZ-ZZZZ-ZZZZ"})
	require.NoError(t, err)
	assert.False(t, val.Found)
	assert.Equal(t, "not_found", val.Reason)

	_, err = client.Activate(ctx, cnwlicense.ActivateRequest{LicenseKey: "ZZZZ-ZZZZ-ZZZZ-ZZZZ", Fingerprint: "fp"})
	assert.ErrorIs(t, err, cnwlicense.ErrLicenseNotFound)

	_, err = client.Activate(ctx, cnwlicense.ActivateRequest{Fingerprint: "fp"})
	assert.ErrorIs(t, err, cnwlicense.ErrInvalidRequest)

	sub := env.issue(t, cloud)
	env.clock.Advance(32 * day)
	_, err = client.Activate(ctx, cnwlicense.ActivateRequest{LicenseKey: sub.Key, Fingerprint: "fp"})
	assert.ErrorIs(t, err, cnwlicense.ErrLicenseExpired)

	suspended := env.issue(t, desktop)
	_, err = env.engine.Suspend(ctx, suspended.Key)
	require.NoError(t, err)
	_, err = client.Activate(ctx, cnwlicense.ActivateRequest{LicenseKey: suspended.Key, Fingerprint: "fp"})
	assert.ErrorIs(t, err, cnwlicense.ErrLicenseInactive)
	assert.NotErrorIs(t, err, cnwlicense.ErrLicenseExpired)
}

func TestManager_AgainstServer(t *testing.T) {
	env := newTestEnv(t)
	lic := env.issue(t, cloud)
	ctx := t.Context()
	cache := filepath.Join(t.TempDir(), "license.json")

	mgr := cnwlicense.NewManager(
		cnwlicense.WithOnlineClient(cnwlicense.NewOnlineClient(env.srv.URL, "", cnwlicense.WithFingerprint("fp-mgr"))),
		cnwlicense.WithOfflineValidator(cnwlicense.NewOfflineValidator(
			cnwlicense.WithTrustedPublicKey(env.engine.Signer().PublicKeyBase64()),
			cnwlicense.WithMachineFingerprint("fp-mgr"),
			cnwlicense.WithClock(env.clock.Now),
		)),
		cnwlicense.WithCertificateCache(cache),
	)

	_, err := mgr.Activate(ctx, lic.Key)
	require.NoError(t, err)
	assert.FileExists(t, cache)

	info, err := mgr.Check(ctx, lic.Key)
	require.NoError(t, err)
	assert.True(t, info.Valid)
	assert.False(t, info.Offline)
	assert.Equal(t, cloud.ID, info.ProductID)

	// The server going away leaves the cached certificate.
	env.srv.Close()
	info, err = mgr.Check(ctx, lic.Key)
	require.NoError(t, err)
	assert.True(t, info.Offline)
	assert.True(t, info.Valid)
}
