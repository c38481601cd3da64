package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/taskyard/engine"
)

// tokenClaims is the JWT payload. The caller's scope travels with the token.
type tokenClaims struct {
	AgentID        string `json:"agent_id"`
	ProjectID      string `json:"project_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Admin          bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// signToken issues an HS256 token for c, valid for ttl from now.
func signToken(secret []byte, c engine.Caller, now time.Time, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		AgentID:        c.AgentID,
		ProjectID:      c.ProjectID,
		OrganizationID: c.OrganizationID,
		Admin:          c.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.AgentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// verifyToken validates a token and returns the caller it was issued for.
func verifyToken(secret []byte, token string) (engine.Caller, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return engine.Caller{}, err
	}
	if claims.AgentID == "" {
		return engine.Caller{}, errors.New("token has no agent_id")
	}
	return engine.Caller{
		AgentID:        claims.AgentID,
		ProjectID:      claims.ProjectID,
		OrganizationID: claims.OrganizationID,
		Admin:          claims.Admin,
	}, nil
}

func generateSecret() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return []byte(base64.RawURLEncoding.EncodeToString(b))
}

// jwtSecret returns the configured JWT secret, generating one if empty.
func (s *Server) jwtSecret() []byte {
	if s.cfg.Auth.JWTSecret != "" {
		return []byte(s.cfg.Auth.JWTSecret)
	}
	s.secretOnce.Do(func() {
		s.generatedSecret = generateSecret()
	})
	return s.generatedSecret
}

// authenticate resolves a bearer credential: a configured API key first,
// then a JWT.
func (s *Server) authenticate(credential string) (engine.Caller, error) {
	for _, k := range s.cfg.Auth.APIKeys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(credential)) == 1 {
			return engine.Caller{
				AgentID:        k.AgentID,
				ProjectID:      k.ProjectID,
				OrganizationID: k.OrganizationID,
				Admin:          k.Admin,
			}, nil
		}
	}
	return verifyToken(s.jwtSecret(), credential)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin checks the admin credentials against the configured bcrypt
// hash and issues an admin JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hash := s.cfg.Auth.AdminPass
	if hash == "" || req.Username != s.cfg.Auth.AdminUser ||
		bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		s.logger.Info("login rejected", slog.String("username", req.Username))
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := time.Now()
	token, err := signToken(s.jwtSecret(), engine.Caller{AgentID: req.Username, Admin: true}, now, s.cfg.Auth.TokenTTL)
	if err != nil {
		s.logger.Error("issue token", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: now.Add(s.cfg.Auth.TokenTTL).UTC()})
}

// handleMe returns the authenticated caller.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, requestCaller(r))
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// authMiddleware rejects requests without a valid bearer credential and
// attaches the resolved caller to the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearer(r)
		if credential == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		c, err := s.authenticate(credential)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithCaller(r.Context(), c)))
	})
}
