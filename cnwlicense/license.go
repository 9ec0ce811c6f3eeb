package cnwlicense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager combines online validation with an on-disk activation
// certificate, so a machine that activated once keeps working while the
// license server is unreachable.
type Manager struct {
	client   *OnlineClient
	offline  *OfflineValidator
	certPath string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithOnlineClient sets the online client for server-based validation.
func WithOnlineClient(c *OnlineClient) ManagerOption {
	return func(m *Manager) {
		m.client = c
	}
}

// WithOfflineValidator sets the validator used for the cached certificate.
func WithOfflineValidator(v *OfflineValidator) ManagerOption {
	return func(m *Manager) {
		m.offline = v
	}
}

// WithCertificateCache stores the activation certificate at path.
func WithCertificateCache(path string) ManagerOption {
	return func(m *Manager) {
		m.certPath = path
	}
}

// NewManager creates a new license Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) fingerprint() (string, error) {
	if m.client != nil && m.client.Fingerprint() != "" {
		return m.client.Fingerprint(), nil
	}
	fp, err := GenerateFingerprint()
	if err != nil {
		return "", fmt.Errorf("generate fingerprint: %w", err)
	}
	return fp, nil
}

// Activate activates this machine and caches the returned certificate, if
// the server issued one and a cache path is configured.
func (m *Manager) Activate(ctx context.Context, licenseKey string) (*ActivateResponse, error) {
	if m.client == nil {
		return nil, errors.New("online client is required for Activate")
	}
	fp, err := m.fingerprint()
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Activate(ctx, ActivateRequest{
		LicenseKey:  licenseKey,
		Fingerprint: fp,
		MachineID:   MachineID(),
		SystemInfo:  SystemInfo(),
	})
	if err != nil {
		return nil, err
	}
	if resp.Certificate != nil && m.certPath != "" {
		if err := m.saveCertificate(resp.Certificate); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// Check reports whether this machine may use the license. Online, that
// means the license is valid and this machine holds an activation. When
// the server is unavailable the cached certificate is verified instead.
func (m *Manager) Check(ctx context.Context, licenseKey string) (*LicenseInfo, error) {
	if m.client == nil {
		return nil, errors.New("online client is required for Check")
	}
	fp, err := m.fingerprint()
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Validate(ctx, ValidateRequest{
		LicenseKey:  licenseKey,
		Fingerprint: fp,
	})
	if errors.Is(err, ErrUnavailable) && m.offline != nil && m.certPath != "" {
		return m.checkOffline(licenseKey, fp)
	}
	if err != nil {
		return nil, fmt.Errorf("validate license: %w", err)
	}

	info := &LicenseInfo{
		Valid:       resp.Valid && resp.Activated,
		LicenseKey:  licenseKey,
		ProductID:   resp.ProductID,
		LicenseType: resp.LicenseType,
		Reason:      resp.Reason,
		ExpiresAt:   resp.ExpiresAt,
		Fingerprint: fp,
	}
	if resp.Valid && !resp.Activated {
		info.Reason = "not_activated"
	}
	return info, nil
}

func (m *Manager) checkOffline(licenseKey, fp string) (*LicenseInfo, error) {
	raw, err := os.ReadFile(m.certPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCachedCertificate
	}
	if err != nil {
		return nil, fmt.Errorf("read cached certificate: %w", err)
	}
	claims, err := m.offline.Verify(raw)
	if err != nil && !errors.Is(err, ErrLicenseExpired) {
		return nil, err
	}
	if !strings.EqualFold(claims.LicenseKey, strings.TrimSpace(licenseKey)) {
		return nil, fmt.Errorf("%w: certificate is for another license", ErrCertificateInvalid)
	}
	if claims.Fingerprint != fp {
		return nil, ErrFingerprintMismatch
	}

	info := &LicenseInfo{
		Valid:       err == nil,
		Offline:     true,
		LicenseKey:  licenseKey,
		ProductID:   claims.ProductID,
		LicenseType: claims.LicenseType,
		ExpiresAt:   claims.ExpiresAt,
		Fingerprint: fp,
	}
	if err != nil {
		info.Reason = "expired"
	}
	return info, nil
}

// Deactivate releases this machine and removes the cached certificate.
func (m *Manager) Deactivate(ctx context.Context, licenseKey string) error {
	if m.client == nil {
		return errors.New("online client is required for Deactivate")
	}
	fp, err := m.fingerprint()
	if err != nil {
		return err
	}
	if _, err := m.client.Deactivate(ctx, DeactivateRequest{LicenseKey: licenseKey, Fingerprint: fp}); err != nil {
		return err
	}
	if m.certPath != "" {
		if err := os.Remove(m.certPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove cached certificate: %w", err)
		}
	}
	return nil
}

func (m *Manager) saveCertificate(cert *Certificate) error {
	raw, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("marshal certificate: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.certPath), 0o700); err != nil {
		return fmt.Errorf("create certificate dir: %w", err)
	}
	if err := os.WriteFile(m.certPath, raw, 0o600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}
