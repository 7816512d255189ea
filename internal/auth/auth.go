package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duckmesh/duckshare/internal/catalog"
)

var ErrInvalidToken = errors.New("invalid bearer token")

// Identity is the caller a request acts for. Unrestricted identities see
// every share; recipients see only the shares granted to them.
type Identity struct {
	RecipientID  string
	Name         string
	Unrestricted bool
}

func Anonymous() Identity {
	return Identity{Name: "anonymous", Unrestricted: true}
}

func (i Identity) Scope() catalog.Scope {
	if i.Unrestricted {
		return catalog.UnrestrictedScope()
	}
	return catalog.RecipientScope(i.RecipientID)
}

type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// StaticTokenValidator accepts operator tokens from configuration in the
// form "token:name[,token:name]". Static tokens are unrestricted.
type StaticTokenValidator struct {
	tokens map[string]Identity
}

func NewStaticTokenValidator(spec string) (*StaticTokenValidator, error) {
	validator := &StaticTokenValidator{tokens: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		token, name, ok := strings.Cut(strings.TrimSpace(entry), ":")
		token = strings.TrimSpace(token)
		name = strings.TrimSpace(name)
		if !ok || token == "" || name == "" {
			return nil, fmt.Errorf("invalid static token entry %q: expected token:name", entry)
		}
		validator.tokens[token] = Identity{Name: name, Unrestricted: true}
	}
	return validator, nil
}

func (v *StaticTokenValidator) Validate(_ context.Context, token string) (Identity, error) {
	for candidate, identity := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return identity, nil
		}
	}
	return Identity{}, ErrInvalidToken
}

func (v *StaticTokenValidator) Len() int {
	return len(v.tokens)
}

// CatalogTokenValidator resolves recipient tokens stored as SHA-256 hashes.
type CatalogTokenValidator struct {
	store catalog.TokenStore
	now   func() time.Time
}

func NewCatalogTokenValidator(store catalog.TokenStore) *CatalogTokenValidator {
	return &CatalogTokenValidator{store: store, now: time.Now}
}

func (v *CatalogTokenValidator) WithClock(now func() time.Time) *CatalogTokenValidator {
	v.now = now
	return v
}

func (v *CatalogTokenValidator) Validate(ctx context.Context, token string) (Identity, error) {
	recipient, stored, err := v.store.GetRecipientByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, fmt.Errorf("lookup recipient token: %w", err)
	}
	if !stored.Active(v.now()) {
		return Identity{}, ErrInvalidToken
	}
	return Identity{RecipientID: recipient.RecipientID, Name: recipient.Name}, nil
}

// FirstMatch tries each validator in order and returns the first identity
// accepted. Errors other than ErrInvalidToken stop the search.
func FirstMatch(validators ...TokenValidator) TokenValidator {
	return firstMatch(validators)
}

type firstMatch []TokenValidator

func (validators firstMatch) Validate(ctx context.Context, token string) (Identity, error) {
	for _, validator := range validators {
		identity, err := validator.Validate(ctx, token)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, ErrInvalidToken) {
			return Identity{}, err
		}
	}
	return Identity{}, ErrInvalidToken
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateToken returns a fresh random bearer token.
func GenerateToken() string {
	return "dss" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
