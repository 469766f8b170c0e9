package services

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyServiceProvider defines the interface for API key management.
type APIKeyServiceProvider interface {
	CreateKey(tenantID, name, role string) (models.APIKey, string, error)
	VerifyKey(token string) (*models.APIKey, error)
	ListKeys(tenantID string) ([]models.APIKey, error)
	DeleteKey(tenantID, keyID string) error
	EnsureBootstrap(tenantID, token string) error
}

// APIKeyService issues and verifies tenant credentials. Tokens have the form
// "<key id>.<secret>"; only the bcrypt hash of the secret is stored.
// Successful verifications are cached by token digest so the bcrypt compare
// is off the hot ingestion path.
type APIKeyService struct {
	db *sql.DB

	mu       sync.RWMutex
	verified map[string]models.APIKey // sha256(token) -> key
}

// NewAPIKeyService creates a new APIKeyService.
func NewAPIKeyService(db *sql.DB) *APIKeyService {
	return &APIKeyService{db: db, verified: make(map[string]models.APIKey)}
}

// CreateKey mints a new key and returns the full token. The token is shown
// once; it cannot be recovered later.
func (s *APIKeyService) CreateKey(tenantID, name, role string) (models.APIKey, string, error) {
	if !models.RoleAllows(role, models.RoleRead) {
		return models.APIKey{}, "", fmt.Errorf("unknown role %q", role)
	}
	secret := uuid.New().String()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return models.APIKey{}, "", fmt.Errorf("failed to hash key secret: %w", err)
	}

	key := models.APIKey{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Name:     name,
		Role:     role,
		KeyHash:  string(hash),
	}
	stmt, err := s.db.Prepare("INSERT INTO api_keys (id, tenant_id, name, role, key_hash) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return models.APIKey{}, "", err
	}
	defer stmt.Close()
	if _, err := stmt.Exec(key.ID, key.TenantID, key.Name, key.Role, key.KeyHash); err != nil {
		return models.APIKey{}, "", err
	}
	return key, key.ID + "." + secret, nil
}

// VerifyKey resolves a presented token to its key record.
func (s *APIKeyService) VerifyKey(token string) (*models.APIKey, error) {
	digest := tokenDigest(token)
	s.mu.RLock()
	cached, ok := s.verified[digest]
	s.mu.RUnlock()
	if ok {
		return &cached, nil
	}

	id, secret, found := strings.Cut(token, ".")
	if !found || id == "" || secret == "" {
		return nil, fmt.Errorf("malformed API key")
	}

	var key models.APIKey
	row := s.db.QueryRow("SELECT id, tenant_id, name, role, key_hash, created_at FROM api_keys WHERE id = ?", id)
	err := row.Scan(&key.ID, &key.TenantID, &key.Name, &key.Role, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown API key")
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("invalid API key")
	}

	s.mu.Lock()
	s.verified[digest] = key
	s.mu.Unlock()
	return &key, nil
}

// ListKeys returns a tenant's keys, without hashes.
func (s *APIKeyService) ListKeys(tenantID string) ([]models.APIKey, error) {
	rows, err := s.db.Query("SELECT id, tenant_id, name, role, created_at FROM api_keys WHERE tenant_id = ? ORDER BY created_at", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		var key models.APIKey
		if err := rows.Scan(&key.ID, &key.TenantID, &key.Name, &key.Role, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteKey revokes a key and evicts any cached verification for it.
func (s *APIKeyService) DeleteKey(tenantID, keyID string) error {
	_, err := s.db.Exec("DELETE FROM api_keys WHERE tenant_id = ? AND id = ?", tenantID, keyID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for digest, key := range s.verified {
		if key.ID == keyID {
			delete(s.verified, digest)
		}
	}
	s.mu.Unlock()
	return nil
}

// EnsureBootstrap creates an admin key with a fixed secret when the table is
// empty, so a fresh deployment can reach the API. The configured token must
// have the "<id>.<secret>" shape.
func (s *APIKeyService) EnsureBootstrap(tenantID, token string) error {
	if token == "" {
		return nil
	}
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM api_keys").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	id, secret, found := strings.Cut(token, ".")
	if !found || id == "" || secret == "" {
		return fmt.Errorf("bootstrap key must look like \"<id>.<secret>\"")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT INTO api_keys (id, tenant_id, name, role, key_hash) VALUES (?, ?, ?, ?, ?)",
		id, tenantID, "bootstrap", models.RoleAdmin, string(hash))
	if err == nil {
		log.Info().Str("tenant_id", tenantID).Msg("Created bootstrap API key")
	}
	return err
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
