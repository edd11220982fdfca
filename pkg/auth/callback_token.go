package auth

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/taskclient"
)

const callbackIssuer = "adflow"

// CallbackTokenClaims bind a vendor webhook to the workflow step that
// submitted the task.
type CallbackTokenClaims struct {
	jwt.RegisteredClaims
	WorkflowID string          `json:"workflow_id"`
	Step       model.Step      `json:"step"`
	Kind       taskclient.Kind `json:"kind"`
}

func (c *CallbackTokenClaims) Workflow() (uuid.UUID, error) {
	return uuid.Parse(c.WorkflowID)
}

type CallbackTokenManager struct {
	signingKey []byte
	ttl        time.Duration
	baseURL    string
	vendors    map[taskclient.Kind]string
}

// NewCallbackTokenManager signs webhook tokens. baseURL is the public
// address of the API; vendors names the vendor serving each task kind and
// becomes the callback path.
func NewCallbackTokenManager(signingKey []byte, ttl time.Duration, baseURL string, vendors map[taskclient.Kind]string) *CallbackTokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CallbackTokenManager{
		signingKey: signingKey,
		ttl:        ttl,
		baseURL:    strings.TrimRight(baseURL, "/"),
		vendors:    vendors,
	}
}

func (m *CallbackTokenManager) Generate(workflowID uuid.UUID, step model.Step, kind taskclient.Kind) (string, error) {
	now := time.Now()
	claims := CallbackTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   workflowID.String(),
			Issuer:    callbackIssuer,
		},
		WorkflowID: workflowID.String(),
		Step:       step,
		Kind:       kind,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *CallbackTokenManager) Validate(tokenString string) (*CallbackTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CallbackTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(callbackIssuer))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*CallbackTokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.Workflow(); err != nil {
		return nil, fmt.Errorf("%w: bad workflow id", ErrInvalidToken)
	}
	return claims, nil
}

// CallbackURL returns the webhook address for a task, or "" when callbacks
// are not configured and the monitor has to poll instead.
func (m *CallbackTokenManager) CallbackURL(workflowID uuid.UUID, step model.Step, kind taskclient.Kind) string {
	vendor, ok := m.vendors[kind]
	if m.baseURL == "" || !ok {
		return ""
	}
	token, err := m.Generate(workflowID, step, kind)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s/api/v1/callbacks/%s?token=%s", m.baseURL, url.PathEscape(vendor), url.QueryEscape(token))
}
