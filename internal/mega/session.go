package mega

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/chanderlud/giga-grabber/internal/cryptox"
	"github.com/chanderlud/giga-grabber/internal/logging"
)

// SessionState tracks where a client is in the login flow.
type SessionState int

const (
	// StateLoggedOut is the initial state; only pre-login commands and
	// public link access work.
	StateLoggedOut SessionState = iota
	// StateChallenged means the password was accepted but the server wants
	// a multi-factor code before issuing a session.
	StateChallenged
	// StateAuthenticated means a session id and master key are held.
	StateAuthenticated
)

func (s SessionState) String() string {
	switch s {
	case StateChallenged:
		return "challenged"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "logged out"
	}
}

// ClientOptions configure a Client.
type ClientOptions struct {
	// Transport is required.
	Transport Transport
	// Logger receives protocol diagnostics. Defaults to slog.
	Logger logging.Logger
	// UseHTTPS requests https content URLs from the server.
	UseHTTPS bool
}

// Client is a stateful session against the storage API. All methods are safe
// for concurrent use.
type Client struct {
	transport Transport
	log       logging.Logger
	useHTTPS  bool

	mu        sync.RWMutex
	state     SessionState
	sid       string
	masterKey []byte
	pending   *loginChallenge
}

// loginChallenge is the derived login material kept between a rejected first
// attempt and the multi-factor retry.
type loginChallenge struct {
	email      string
	loginKey   []byte
	userHandle string
}

// NewClient builds a client over the given transport.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("mega: transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewSlogLogger(slog.Default())
	}
	return &Client{
		transport: opts.Transport,
		log:       opts.Logger,
		useHTTPS:  opts.UseHTTPS,
	}, nil
}

// State reports the current session state.
func (c *Client) State() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Login authenticates with an email and password. If the account has
// multi-factor authentication enabled, Login returns ErrMFARequired and the
// client waits in StateChallenged for SubmitMFA.
func (c *Client) Login(ctx context.Context, email, password string) error {
	email = strings.ToLower(email)

	var prelogin PreLoginResponse
	if err := c.sendOne(ctx, "", nil, PreLoginRequest{User: email}, &prelogin); err != nil {
		return err
	}

	challenge := &loginChallenge{email: email}
	switch prelogin.Version {
	case 1:
		key, err := prepareKeyV1([]byte(password))
		if err != nil {
			return err
		}
		handle, err := userHandleV1(email, key)
		if err != nil {
			return err
		}
		challenge.loginKey = key
		challenge.userHandle = handle
	case 2:
		if prelogin.Salt == nil {
			return ErrMissingSalt
		}
		salt, err := b64.DecodeString(*prelogin.Salt)
		if err != nil {
			return fmt.Errorf("%w: password salt: %v", ErrInvalidKeyMaterial, err)
		}
		derived := prepareKeyV2([]byte(password), salt)
		challenge.loginKey = derived[:16]
		challenge.userHandle = b64.EncodeToString(derived[16:])
	default:
		return &UnknownLoginVersionError{Version: prelogin.Version}
	}

	return c.attemptLogin(ctx, challenge, nil)
}

// SubmitMFA retries a challenged login with the multi-factor code. The
// derived key material from Login is reused; the password is not needed
// again.
func (c *Client) SubmitMFA(ctx context.Context, code string) error {
	c.mu.RLock()
	challenge := c.pending
	state := c.state
	c.mu.RUnlock()

	if state != StateChallenged || challenge == nil {
		return ErrNoChallenge
	}
	return c.attemptLogin(ctx, challenge, &code)
}

func (c *Client) attemptLogin(ctx context.Context, challenge *loginChallenge, mfa *string) error {
	req := LoginRequest{
		User:       challenge.email,
		UserHandle: challenge.userHandle,
		MFA:        mfa,
	}

	var resp LoginResponse
	if err := c.sendOne(ctx, "", nil, req, &resp); err != nil {
		var code ErrorCode
		if errors.As(err, &code) && code == CodeMFARequired {
			c.mu.Lock()
			c.state = StateChallenged
			c.pending = challenge
			c.mu.Unlock()
			return ErrMFARequired
		}
		return err
	}
	return c.completeLogin(challenge.loginKey, &resp)
}

// completeLogin unwraps the master key with the login key, the RSA private
// key with the master key, and the session id with the private key.
func (c *Client) completeLogin(loginKey []byte, resp *LoginResponse) error {
	masterKey, err := b64.DecodeString(resp.Key)
	if err != nil {
		return fmt.Errorf("%w: master key: %v", ErrInvalidKeyMaterial, err)
	}
	if err := cryptox.DecryptECBInPlace(loginKey, masterKey); err != nil {
		return err
	}
	if len(masterKey) != 16 {
		return fmt.Errorf("%w: master key must be 16 bytes, got %d", ErrInvalidKeyMaterial, len(masterKey))
	}

	privk, err := b64.DecodeString(resp.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w: private key: %v", ErrInvalidKeyMaterial, err)
	}
	if err := cryptox.DecryptECBInPlace(masterKey, privk); err != nil {
		return err
	}

	csid, err := b64.DecodeString(resp.SessionID)
	if err != nil {
		return fmt.Errorf("%w: session challenge: %v", ErrInvalidKeyMaterial, err)
	}
	sid, err := decryptSessionID(csid, privk)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.sid = sid
	c.masterKey = masterKey
	c.pending = nil
	c.mu.Unlock()

	c.log.Debug(context.Background(), "session established")
	return nil
}

// Logout closes the server session. Local session state is dropped even when
// the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	sid, err := c.sessionID()
	if err != nil {
		return err
	}
	err = c.sendOne(ctx, sid, nil, LogoutRequest{}, nil)

	c.mu.Lock()
	c.state = StateLoggedOut
	c.sid = ""
	c.masterKey = nil
	c.pending = nil
	c.mu.Unlock()
	return err
}

// AccountInfo identifies the logged-in user.
type AccountInfo struct {
	Email      string
	Name       string
	UserHandle string
}

// UserInfo fetches the account record of the session user.
func (c *Client) UserInfo(ctx context.Context) (*AccountInfo, error) {
	sid, err := c.sessionID()
	if err != nil {
		return nil, err
	}

	var resp UserInfoResponse
	if err := c.sendOne(ctx, sid, nil, UserInfoRequest{}, &resp); err != nil {
		return nil, err
	}
	return &AccountInfo{
		Email:      resp.Email,
		Name:       resp.Name,
		UserHandle: resp.UserHandle,
	}, nil
}

// StorageQuota reports account storage in bytes.
type StorageQuota struct {
	Used  uint64
	Total uint64
}

// Quota fetches the account's storage use and limit.
func (c *Client) Quota(ctx context.Context) (*StorageQuota, error) {
	sid, err := c.sessionID()
	if err != nil {
		return nil, err
	}

	var resp QuotaResponse
	if err := c.sendOne(ctx, sid, nil, QuotaRequest{Transfer: 1, Storage: 1}, &resp); err != nil {
		return nil, err
	}
	return &StorageQuota{Used: resp.StorageUsed, Total: resp.StorageMax}, nil
}

// sessionID returns the session id, failing unless authenticated.
func (c *Client) sessionID() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateAuthenticated {
		return "", ErrNotAuthenticated
	}
	return c.sid, nil
}

// sessionKeys returns the session id and a copy of the master key, failing
// unless authenticated.
func (c *Client) sessionKeys() (string, []byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateAuthenticated {
		return "", nil, ErrNotAuthenticated
	}
	key := make([]byte, len(c.masterKey))
	copy(key, c.masterKey)
	return c.sid, key, nil
}

// currentSID returns the session id without requiring authentication; public
// link operations work logged out.
func (c *Client) currentSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sid
}

func (c *Client) ssl() int {
	if c.useHTTPS {
		return 2
	}
	return 0
}

// send executes one batch and decodes each response slot into the matching
// target. A nil target asserts the slot is a bare success code.
func (c *Client) send(ctx context.Context, sid string, query url.Values, requests []Request, targets []any) error {
	responses, err := c.transport.SendRequests(ctx, sid, requests, query)
	if err != nil {
		return err
	}
	for i, raw := range responses {
		if err := decodeResponse(raw, targets[i]); err != nil {
			return fmt.Errorf("command %q: %w", requests[i].Name(), err)
		}
	}
	return nil
}

func (c *Client) sendOne(ctx context.Context, sid string, query url.Values, req Request, target any) error {
	return c.send(ctx, sid, query, []Request{req}, []any{target})
}
