package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"commerce-etl/internal/models"
)

const credentialColumns = `id, tenant_id, platform, external_account_id, access_token, refresh_token,
	settings, is_active, last_sync_at, created_at, updated_at`

// ActiveCredentials lists active credentials of active tenants. An empty
// platforms slice means every platform.
func (s *Store) ActiveCredentials(ctx context.Context, platforms []models.Platform) ([]models.PlatformCredential, error) {
	query := `
		SELECT c.id, c.tenant_id, c.platform, c.external_account_id, c.access_token, c.refresh_token,
			c.settings, c.is_active, c.last_sync_at, c.created_at, c.updated_at
		FROM platform_credentials c
		JOIN tenants t ON t.id = c.tenant_id
		WHERE c.is_active AND t.is_active`
	args := []interface{}{}
	if len(platforms) > 0 {
		names := make([]string, 0, len(platforms))
		for _, p := range platforms {
			names = append(names, string(p))
		}
		query += " AND c.platform = ANY($1)"
		args = append(args, pq.Array(names))
	}
	query += " ORDER BY c.tenant_id, c.platform"

	var creds []models.PlatformCredential
	if err := s.db.SelectContext(ctx, &creds, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

// GetCredential returns the tenant's active credential for platform.
func (s *Store) GetCredential(ctx context.Context, tenantID string, platform models.Platform) (*models.PlatformCredential, error) {
	var cred models.PlatformCredential
	err := s.db.GetContext(ctx, &cred,
		"SELECT "+credentialColumns+" FROM platform_credentials WHERE tenant_id = $1 AND platform = $2 AND is_active",
		tenantID, platform)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("credential %s/%s", tenantID, platform))
	}
	return &cred, nil
}

// UpdateLastSync moves the incremental window forward.
func (s *Store) UpdateLastSync(ctx context.Context, credentialID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE platform_credentials SET last_sync_at = $1, updated_at = NOW() WHERE id = $2",
		at, credentialID)
	if err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	return nil
}

// SaveRefreshToken persists a rotated refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, credentialID, refreshToken string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE platform_credentials SET refresh_token = $1, updated_at = NOW() WHERE id = $2",
		refreshToken, credentialID)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// ActiveTenants lists tenants the pipeline should process.
func (s *Store) ActiveTenants(ctx context.Context) ([]models.Tenant, error) {
	var tenants []models.Tenant
	if err := s.db.SelectContext(ctx, &tenants,
		"SELECT id, name, is_active FROM tenants WHERE is_active ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}
