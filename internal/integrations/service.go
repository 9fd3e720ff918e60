package integrations

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"telecom-ingest/internal/signature"
	"telecom-ingest/internal/telephony"
	"telecom-ingest/pkg/logger"

	"github.com/google/uuid"
)

// Auditor is the subset of the audit service used here.
type Auditor interface {
	LogSecretRotated(ctx context.Context, accountID, integrationID, actorUserID, ip string, version int, graceUntil time.Time) error
}

// Service owns secret rotation and transient decryption of credentials.
type Service struct {
	repo  Repository
	vault *Vault
	audit Auditor
	clock func() time.Time

	DefaultGrace time.Duration
}

func NewService(repo Repository, vault *Vault, audit Auditor) *Service {
	return &Service{repo: repo, vault: vault, audit: audit, clock: time.Now, DefaultGrace: time.Hour}
}

func (s *Service) Repo() Repository { return s.repo }

// SigningSecrets returns the decrypted secrets valid at t: the current version
// plus any rotated-out version still inside its grace window.
func (s *Service) SigningSecrets(ctx context.Context, integrationID string, t time.Time) ([]signature.Secret, error) {
	versions, err := s.repo.Secrets(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	var out []signature.Secret
	for _, v := range versions {
		if !v.ValidAt(t) {
			continue
		}
		key, err := s.vault.Open(v.SecretEncrypted)
		if err != nil {
			return nil, fmt.Errorf("integrations: secret v%d: %w", v.Version, err)
		}
		out = append(out, signature.Secret{Version: v.Version, Algorithm: v.Algorithm, Key: key})
	}
	return out, nil
}

type RotateRequest struct {
	Algorithm   string
	Grace       time.Duration
	ActorUserID string
	IP          string
}

type RotateResult struct {
	Secret WebhookSecret
	// Plaintext is returned exactly once, to the caller that rotated.
	Plaintext        string
	PreviousValidTil time.Time
}

// RotateSecret creates version N+1 as current; version N keeps verifying until now+grace.
func (s *Service) RotateSecret(ctx context.Context, accountID, integrationID string, req RotateRequest) (RotateResult, error) {
	in, err := s.repo.Get(ctx, integrationID)
	if err != nil {
		return RotateResult{}, err
	}
	if in.AccountID != accountID {
		return RotateResult{}, ErrNotFound
	}
	alg := strings.ToLower(req.Algorithm)
	if alg == "" {
		alg = signature.DefaultAlgorithm
	}
	if !signature.SupportedAlgorithm(alg) {
		return RotateResult{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidArgument, req.Algorithm)
	}
	grace := req.Grace
	if grace < 0 {
		return RotateResult{}, fmt.Errorf("%w: negative grace", ErrInvalidArgument)
	}
	if grace == 0 {
		grace = s.DefaultGrace
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return RotateResult{}, err
	}
	plaintext := hex.EncodeToString(raw)
	sealed, err := s.vault.Seal([]byte(plaintext))
	if err != nil {
		return RotateResult{}, err
	}

	now := s.clock().UTC()
	graceUntil := now.Add(grace)
	saved, err := s.repo.RotateSecret(ctx, integrationID, WebhookSecret{
		ID:              uuid.NewString(),
		Algorithm:       alg,
		SecretEncrypted: sealed,
		ActivatedAt:     now,
	}, graceUntil)
	if err != nil {
		return RotateResult{}, err
	}
	if s.audit != nil {
		if err := s.audit.LogSecretRotated(ctx, in.AccountID, in.ID, req.ActorUserID, req.IP, saved.Version, graceUntil); err != nil {
			logger.From(ctx).Error("secret rotation audit failed", "integration_id", in.ID, "version", saved.Version, "err", err)
		}
	}
	return RotateResult{Secret: saved, Plaintext: plaintext, PreviousValidTil: graceUntil}, nil
}

// Credentials decrypts the integration's provider credentials for one call.
func (s *Service) Credentials(ctx context.Context, in Integration) (telephony.Credentials, error) {
	if in.CredentialsEncrypted == "" {
		return telephony.Credentials{}, nil
	}
	pt, err := s.vault.Open(in.CredentialsEncrypted)
	if err != nil {
		return nil, err
	}
	var creds telephony.Credentials
	if err := json.Unmarshal(pt, &creds); err != nil {
		return nil, fmt.Errorf("%w: credentials: %v", ErrDecrypt, err)
	}
	return creds, nil
}

// SealCredentials is the inverse of Credentials, used when linking an integration.
func (s *Service) SealCredentials(creds telephony.Credentials) (string, error) {
	b, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	return s.vault.Seal(b)
}

// ReportingCurrency falls back to def when the account is unknown or has none set.
func (s *Service) ReportingCurrency(ctx context.Context, accountID, def string) (string, error) {
	a, err := s.repo.GetAccount(ctx, accountID)
	if errors.Is(err, ErrNotFound) || (err == nil && a.ReportingCurrency == "") {
		return def, nil
	}
	if err != nil {
		return "", err
	}
	return strings.ToUpper(a.ReportingCurrency), nil
}
