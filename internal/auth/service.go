// Package auth implements email one-time-code authentication. Signup and
// login mail a code; verifying it issues an access and refresh token pair.
// The access token authenticates REST requests and WebSocket upgrades.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/verbose/chat/internal/ratelimit"
	"github.com/verbose/chat/internal/store"
)

// Cookie names shared by the HTTP layer and the WebSocket authenticator.
const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

var (
	// ErrEmailTaken is returned by Signup for an existing email.
	ErrEmailTaken = errors.New("auth: email already in use")

	// ErrInvalidInput is returned for a missing username or malformed email.
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrRateLimited is returned when too many codes were requested.
	ErrRateLimited = errors.New("auth: too many requests")
)

// RateLimitError is returned when too many codes were requested. It wraps
// ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return ErrRateLimited.Error() }

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Limiter throttles OTP requests. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Session is returned after a successful verification or refresh.
type Session struct {
	User   *store.User `json:"user"`
	Tokens TokenPair   `json:"tokens"`
}

// Service is the auth collaborator used by the HTTP handlers.
type Service struct {
	users   store.UserStore
	tokens  store.TokenStore
	issuer  *TokenIssuer
	otps    OTPStore
	mailer  Mailer
	limiter Limiter
	otpTTL  time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// Config bundles the collaborators of a Service.
type Config struct {
	Users   store.UserStore
	Tokens  store.TokenStore
	Issuer  *TokenIssuer
	OTPs    OTPStore
	Mailer  Mailer
	Limiter Limiter // optional
	OTPTTL  time.Duration
}

// NewService creates a Service.
func NewService(cfg Config, log zerolog.Logger) *Service {
	return &Service{
		users:   cfg.Users,
		tokens:  cfg.Tokens,
		issuer:  cfg.Issuer,
		otps:    cfg.OTPs,
		mailer:  cfg.Mailer,
		limiter: cfg.Limiter,
		otpTTL:  cfg.OTPTTL,
		now:     time.Now,
		log:     log.With().Str("component", "auth").Logger(),
	}
}

// Signup creates an unverified user and mails a code to verify it.
func (s *Service) Signup(ctx context.Context, username, email string) (*store.User, error) {
	username = strings.TrimSpace(username)
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	if _, err := s.users.FindUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("auth: signup: %w", err)
	}

	u, err := s.users.CreateUser(ctx, username, email)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("auth: signup: %w", err)
	}

	if err := s.sendCode(ctx, email); err != nil {
		return nil, err
	}
	s.log.Info().Str("user", u.ID).Msg("signup")
	return u, nil
}

// Login mails a fresh code to an existing user.
func (s *Service) Login(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if _, err := s.users.FindUserByEmail(ctx, email); err != nil {
		return fmt.Errorf("auth: login: %w", err)
	}
	return s.sendCode(ctx, email)
}

// VerifyOTP consumes the code, marks the user verified and opens a session.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	ok, err := s.otps.Consume(ctx, email, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidOTP
	}

	u, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("auth: verify: %w", err)
	}
	if !u.Verified {
		if err := s.users.SetUserVerified(ctx, u.ID); err != nil {
			return nil, fmt.Errorf("auth: verify: %w", err)
		}
		u.Verified = true
	}
	return s.openSession(ctx, u)
}

// Refresh rotates a refresh token. The presented token must be the one
// stored for its user and not yet expired.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	userID, err := s.issuer.ParseRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	if _, err := s.tokens.FindRefreshToken(ctx, userID, refreshToken, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("auth: refresh: %w", err)
	}

	u, err := s.users.FindUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh: %w", err)
	}
	return s.openSession(ctx, u)
}

// Logout revokes the stored refresh token of userID.
func (s *Service) Logout(ctx context.Context, userID string) error {
	if err := s.tokens.DeleteRefreshTokens(ctx, userID); err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	return nil
}

// Me returns the authenticated user.
func (s *Service) Me(ctx context.Context, userID string) (*store.User, error) {
	u, err := s.users.FindUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("auth: me: %w", err)
	}
	return u, nil
}

// Authenticate verifies an access token and returns its user id.
func (s *Service) Authenticate(token string) (string, error) {
	return s.issuer.ParseAccess(token)
}

// AuthenticateRequest resolves the access token of a WebSocket upgrade from
// the token query parameter, the access_token cookie or a Bearer header.
func (s *Service) AuthenticateRequest(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = TokenFromRequest(r)
	}
	return s.Authenticate(token)
}

// TokenFromRequest returns the access token from the access_token cookie or
// the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(AccessCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken extracts the token of a "Bearer <token>" header value.
func BearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Service) openSession(ctx context.Context, u *store.User) (*Session, error) {
	pair, err := s.issuer.Issue(u.ID)
	if err != nil {
		return nil, err
	}
	err = s.tokens.SaveRefreshToken(ctx, store.RefreshToken{
		UserID:    u.ID,
		Token:     pair.RefreshToken,
		ExpiresAt: pair.RefreshExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: save refresh token: %w", err)
	}
	return &Session{User: u, Tokens: pair}, nil
}

func (s *Service) sendCode(ctx context.Context, email string) error {
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(ctx, email, ratelimit.RuleOTP); !ok {
			return &RateLimitError{RetryAfter: s.limiter.RetryAfter(ctx, email, ratelimit.RuleOTP)}
		}
	}

	code, err := GenerateOTP()
	if err != nil {
		return err
	}
	if err := s.otps.Save(ctx, email, code, s.otpTTL); err != nil {
		return err
	}
	if err := s.mailer.SendOTP(ctx, email, code, s.otpTTL); err != nil {
		return err
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return email, nil
}
