// Package vault is the encrypted per-tenant credential store. Credentials
// are sealed with ChaCha20-Poly1305 before they reach persistence; rotation
// exchanges the refresh token at the OAuth endpoint and is serialized per
// (tenant, provider) so concurrent callers share one upstream request.
package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sync/singleflight"

	"github.com/opside/recon/internal/store"
)

// ProviderAmazon is the marketplace provider handled by the SP-API client.
const ProviderAmazon = "amazon"

// Credential is a decrypted, usable credential. Never persisted in this form.
type Credential struct {
	TenantID     string    `json:"tenant_id"`
	Provider     string    `json:"provider"`
	SellerID     string    `json:"seller_id,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AuthError is a token-endpoint failure. Terminal errors (invalid_grant)
// mark the credential invalid; everything else is retriable.
type AuthError struct {
	Code     string
	Terminal bool
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("auth error (%s)", e.Code)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Config configures the vault.
type Config struct {
	MasterKeyHex string        // 32-byte hex key for sealing
	TokenURL     string        // OAuth refresh endpoint
	ClientID     string        // OAuth client id
	ClientSecret string        // OAuth client secret
	RefreshSkew  time.Duration // refresh this long before expiry
	SweepInterval time.Duration
	SweepWindow  time.Duration
	HTTPTimeout  time.Duration
}

// Vault loads and rotates credentials.
type Vault struct {
	store    store.CredentialStore
	aeadKey  []byte
	cfg      Config
	http     *http.Client
	rotating singleflight.Group
	logger   *log.Logger
}

// New creates a vault. The master key must be 32 bytes of hex; an empty key
// is rejected because credentials may not be persisted in the clear.
func New(cs store.CredentialStore, cfg Config) (*Vault, error) {
	key, err := hex.DecodeString(cfg.MasterKeyHex)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("vault: VAULT_MASTER_KEY must be 32 bytes of hex")
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://api.amazon.com/auth/o2/token"
	}
	if cfg.RefreshSkew == 0 {
		cfg.RefreshSkew = 5 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.SweepWindow == 0 {
		cfg.SweepWindow = 10 * time.Minute
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}

	return &Vault{
		store:   cs,
		aeadKey: key,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		logger:  log.New(log.Writer(), "[VAULT] ", log.LstdFlags),
	}, nil
}

// Load returns a credential usable now, rotating first when the access token
// is inside the refresh skew window.
func (v *Vault) Load(ctx context.Context, tenantID, provider string) (*Credential, error) {
	sealed, err := v.store.Get(ctx, tenantID, provider)
	if err != nil {
		return nil, fmt.Errorf("vault: load %s/%s: %w", tenantID, provider, err)
	}
	if sealed.Invalid {
		return nil, &AuthError{Code: "invalid_grant", Terminal: true, Err: errors.New("credential marked invalid")}
	}

	cred, err := v.open(sealed)
	if err != nil {
		return nil, err
	}
	if time.Now().Before(cred.ExpiresAt.Add(-v.cfg.RefreshSkew)) {
		return cred, nil
	}
	return v.Rotate(ctx, tenantID, provider)
}

// Rotate exchanges the refresh token for a new access token. Concurrent
// rotations of the same credential collapse into one upstream request.
func (v *Vault) Rotate(ctx context.Context, tenantID, provider string) (*Credential, error) {
	key := tenantID + "/" + provider
	res, err, _ := v.rotating.Do(key, func() (interface{}, error) {
		return v.rotateOnce(ctx, tenantID, provider)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Credential), nil
}

func (v *Vault) rotateOnce(ctx context.Context, tenantID, provider string) (*Credential, error) {
	sealed, err := v.store.Get(ctx, tenantID, provider)
	if err != nil {
		return nil, fmt.Errorf("vault: rotate %s/%s: %w", tenantID, provider, err)
	}
	cred, err := v.open(sealed)
	if err != nil {
		return nil, err
	}

	accessToken, expiresIn, err := v.refreshGrant(ctx, cred.RefreshToken)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Terminal {
			if markErr := v.store.MarkInvalid(ctx, tenantID, provider); markErr != nil {
				v.logger.Printf("failed to mark credential invalid for %s/%s: %v", tenantID, provider, markErr)
			}
		}
		return nil, err
	}

	cred.AccessToken = accessToken
	// expiresAt is strictly increasing across rotations
	next := time.Now().Add(time.Duration(expiresIn) * time.Second)
	if !next.After(cred.ExpiresAt) {
		next = cred.ExpiresAt.Add(time.Second)
	}
	cred.ExpiresAt = next

	if err := v.Store(ctx, cred); err != nil {
		return nil, err
	}
	v.logger.Printf("rotated credential %s/%s, expires %s", tenantID, provider, cred.ExpiresAt.Format(time.RFC3339))
	return cred, nil
}

// refreshGrant performs the OAuth refresh_token exchange.
func (v *Vault) refreshGrant(ctx context.Context, refreshToken string) (string, int, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {v.cfg.ClientID},
		"client_secret": {v.cfg.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, &AuthError{Code: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.http.Do(req)
	if err != nil {
		return "", 0, &AuthError{Code: "network", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		code := oauthErr.Error
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return "", 0, &AuthError{
			Code:     code,
			Terminal: code == "invalid_grant",
			Err:      fmt.Errorf("token endpoint returned %d", resp.StatusCode),
		}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", 0, &AuthError{Code: "decode", Err: err}
	}
	if tok.AccessToken == "" {
		return "", 0, &AuthError{Code: "empty_token", Err: errors.New("token endpoint returned no access_token")}
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 3600
	}
	return tok.AccessToken, tok.ExpiresIn, nil
}

// Store seals and persists a credential.
func (v *Vault) Store(ctx context.Context, cred *Credential) error {
	sealed, err := v.seal(cred)
	if err != nil {
		return err
	}
	return v.store.Put(ctx, sealed)
}

// SeedFromEnv installs the environment-supplied credential for the default
// tenant. Per-tenant credentials always win; this is only the fallback for
// single-tenant deployments.
func (v *Vault) SeedFromEnv(ctx context.Context, tenantID, sellerID, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if _, err := v.store.Get(ctx, tenantID, ProviderAmazon); err == nil {
		return nil // per-tenant credential already present
	}
	return v.Store(ctx, &Credential{
		TenantID:     tenantID,
		Provider:     ProviderAmazon,
		SellerID:     sellerID,
		RefreshToken: refreshToken,
		// No access token yet; first Load will rotate.
		ExpiresAt: time.Now().Add(-time.Minute),
	})
}

// StartSweeper pre-rotates credentials expiring inside the sweep window.
// Runs until the context is cancelled.
func (v *Vault) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v.sweep(ctx)
			}
		}
	}()
}

func (v *Vault) sweep(ctx context.Context) {
	expiring, err := v.store.ExpiringWithin(ctx, v.cfg.SweepWindow)
	if err != nil {
		v.logger.Printf("sweep: list expiring: %v", err)
		return
	}
	for _, sealed := range expiring {
		if _, err := v.Rotate(ctx, sealed.TenantID, sealed.Provider); err != nil {
			v.logger.Printf("sweep: rotate %s/%s: %v", sealed.TenantID, sealed.Provider, err)
		}
	}
}

// --- sealing ---

func (v *Vault) seal(cred *Credential) (*store.SealedCredential, error) {
	aead, err := chacha20poly1305.New(v.aeadKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	aad := aadFor(cred.TenantID, cred.Provider)
	blob := aead.Seal(nil, nonce, plaintext, aad)
	return &store.SealedCredential{
		TenantID:  cred.TenantID,
		Provider:  cred.Provider,
		Blob:      blob,
		Nonce:     nonce,
		ExpiresAt: cred.ExpiresAt,
		UpdatedAt: time.Now(),
	}, nil
}

func (v *Vault) open(sealed *store.SealedCredential) (*Credential, error) {
	aead, err := chacha20poly1305.New(v.aeadKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Blob, aadFor(sealed.TenantID, sealed.Provider))
	if err != nil {
		return nil, fmt.Errorf("vault: unseal %s/%s: %w", sealed.TenantID, sealed.Provider, err)
	}
	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// aadFor binds the ciphertext to its owning row so sealed blobs cannot be
// swapped between tenants.
func aadFor(tenantID, provider string) []byte {
	var b bytes.Buffer
	b.WriteString(tenantID)
	b.WriteByte(0)
	b.WriteString(provider)
	return b.Bytes()
}
