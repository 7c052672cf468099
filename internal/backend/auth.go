package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/safesurf/internal/observability"
	"github.com/xkilldash9x/safesurf/internal/session"
)

type emailRequest struct {
	Email string `json:"email"`
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	OTP      string `json:"otp"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginReply struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

type messageReply struct {
	Message string `json:"message"`
}

// AuthClient drives the account endpoints. Login and Logout are the only
// writers of the session store.
type AuthClient struct {
	client *Client
	store  session.Store
	logger *zap.Logger
}

// NewAuthClient binds the account endpoints to a session store.
func NewAuthClient(c *Client, store session.Store) *AuthClient {
	return &AuthClient{client: c, store: store, logger: c.logger.Named("auth")}
}

// SendOTP asks the backend to mail a one time code to email.
func (a *AuthClient) SendOTP(ctx context.Context, email string) (string, error) {
	var reply messageReply
	if err := a.client.postJSON(ctx, PathSendOTP, "", emailRequest{Email: email}, &reply, "Failed to send OTP"); err != nil {
		return "", err
	}
	return reply.Message, nil
}

// VerifyOTP checks a code previously sent to email.
func (a *AuthClient) VerifyOTP(ctx context.Context, email, otp string) (string, error) {
	var reply messageReply
	if err := a.client.postJSON(ctx, PathVerifyOTP, "", verifyOTPRequest{Email: email, OTP: otp}, &reply, "OTP verification failed"); err != nil {
		return "", err
	}
	return reply.Message, nil
}

// Register creates an account after the code for email has been verified.
func (a *AuthClient) Register(ctx context.Context, email, password, otp string) (string, error) {
	var reply messageReply
	req := registerRequest{Email: email, Password: password, OTP: otp}
	if err := a.client.postJSON(ctx, PathRegister, "", req, &reply, "Registration failed"); err != nil {
		return "", err
	}
	return reply.Message, nil
}

// Login exchanges credentials for a token and saves the resulting session.
func (a *AuthClient) Login(ctx context.Context, email, password string) (session.Session, error) {
	var reply loginReply
	if err := a.client.postJSON(ctx, PathLogin, "", loginRequest{Email: email, Password: password}, &reply, "Login failed"); err != nil {
		return session.Session{}, err
	}

	identity := reply.Email
	if identity == "" {
		identity = email
	}
	s := session.Session{Token: reply.Token, Identity: identity}
	if !s.Authenticated() {
		return session.Session{}, &APIError{Endpoint: PathLogin, StatusCode: 200, Message: "Login failed"}
	}
	if err := a.store.Save(ctx, s); err != nil {
		return session.Session{}, fmt.Errorf("saving session: %w", err)
	}

	a.logger.Info("Logged in", zap.String("identity", s.Identity), observability.Redacted("token", s.Token))
	return s, nil
}

// Logout revokes the current token. The local session is cleared only when the
// backend confirms; a missing session is a no-op.
func (a *AuthClient) Logout(ctx context.Context) error {
	s, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if !s.Authenticated() {
		return nil
	}
	if err := a.client.postJSON(ctx, PathLogout, s.Token, nil, nil, "Logout failed"); err != nil {
		return err
	}
	if err := a.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	a.logger.Info("Logged out", zap.String("identity", s.Identity))
	return nil
}
