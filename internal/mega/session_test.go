package mega

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"slices"
	"testing"

	"github.com/chanderlud/giga-grabber/internal/cryptox"
)

// loginFixture holds a consistent set of login material: a master key wrapped
// under the login key, an RSA private key wrapped under the master key, and a
// session challenge encrypted to that RSA key.
type loginFixture struct {
	master     []byte
	body       string
	sid        string
	userHandle string
}

func buildLoginFixture(t *testing.T, loginKey []byte) *loginFixture {
	t.Helper()
	master := testBuffer(16, 7, 3)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	p, q, d := rsaKey.Primes[0], rsaKey.Primes[1], rsaKey.D

	privk := append(append(mpi(p), mpi(q)...), mpi(d)...)
	if rem := len(privk) % 16; rem != 0 {
		privk = append(privk, make([]byte, 16-rem)...)
	}
	if err := cryptox.EncryptECBInPlace(master, privk); err != nil {
		t.Fatalf("wrapping private key: %v", err)
	}

	n := new(big.Int).Mul(p, q)
	m := new(big.Int).SetBytes(testBuffer(96, 3, 7))
	m.Mod(m, n)
	plain := new(big.Int).Exp(m, d, n).Bytes()
	if len(plain) < 43 {
		t.Fatal("session challenge fixture too short")
	}

	wrappedMaster := slices.Clone(master)
	if err := cryptox.EncryptECBInPlace(loginKey, wrappedMaster); err != nil {
		t.Fatalf("wrapping master key: %v", err)
	}

	body, err := json.Marshal(LoginResponse{
		SessionID:  b64.EncodeToString(mpi(m)),
		Key:        b64.EncodeToString(wrappedMaster),
		PrivateKey: b64.EncodeToString(privk),
		UserHandle: "USERHANDLE1",
	})
	if err != nil {
		t.Fatalf("marshaling login response: %v", err)
	}

	return &loginFixture{
		master: master,
		body:   string(body),
		sid:    b64.EncodeToString(plain[:43]),
	}
}

func newLoginFixtureV2(t *testing.T, password string, salt []byte) *loginFixture {
	t.Helper()
	derived := prepareKeyV2([]byte(password), salt)
	fx := buildLoginFixture(t, derived[:16])
	fx.userHandle = b64.EncodeToString(derived[16:])
	return fx
}

func TestClientLoginV2(t *testing.T) {
	salt := testBuffer(16, 5, 11)
	fx := newLoginFixtureV2(t, "correct horse", salt)
	prelogin := `{"v":2,"s":"` + b64.EncodeToString(salt) + `"}`

	ft := &fakeTransport{handler: func(_ string, requests []Request, _ url.Values) ([]json.RawMessage, error) {
		switch req := requests[0].(type) {
		case PreLoginRequest:
			if req.User != "user@example.com" {
				t.Errorf("prelogin user = %q", req.User)
			}
			return raws(prelogin), nil
		case LoginRequest:
			if req.User != "user@example.com" || req.UserHandle != fx.userHandle {
				t.Errorf("login request = %+v, want handle %q", req, fx.userHandle)
			}
			if req.MFA != nil {
				t.Errorf("mfa = %q, want absent", *req.MFA)
			}
			return raws(fx.body), nil
		default:
			return nil, fmt.Errorf("unexpected request %T", requests[0])
		}
	}}
	c := newTestClient(t, ft)

	// Addresses are folded to lower case before any key derivation.
	if err := c.Login(context.Background(), "User@Example.COM", "correct horse"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if c.State() != StateAuthenticated {
		t.Errorf("State() = %v, want authenticated", c.State())
	}
	if got := c.currentSID(); got != fx.sid {
		t.Errorf("sid = %q, want %q", got, fx.sid)
	}
	if !slices.Equal(c.masterKey, fx.master) {
		t.Errorf("master key = %x, want %x", c.masterKey, fx.master)
	}
}

func TestClientLoginV1(t *testing.T) {
	loginKey, err := prepareKeyV1([]byte("legacy password"))
	if err != nil {
		t.Fatalf("prepareKeyV1() error = %v", err)
	}
	wantHandle, err := userHandleV1("old@example.com", loginKey)
	if err != nil {
		t.Fatalf("userHandleV1() error = %v", err)
	}
	fx := buildLoginFixture(t, loginKey)

	ft := &fakeTransport{handler: func(_ string, requests []Request, _ url.Values) ([]json.RawMessage, error) {
		switch req := requests[0].(type) {
		case PreLoginRequest:
			return raws(`{"v":1}`), nil
		case LoginRequest:
			if req.UserHandle != wantHandle {
				t.Errorf("login handle = %q, want %q", req.UserHandle, wantHandle)
			}
			return raws(fx.body), nil
		default:
			return nil, fmt.Errorf("unexpected request %T", requests[0])
		}
	}}
	c := newTestClient(t, ft)

	if err := c.Login(context.Background(), "old@example.com", "legacy password"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if got := c.currentSID(); got != fx.sid {
		t.Errorf("sid = %q, want %q", got, fx.sid)
	}
}

func TestClientLoginMFAFlow(t *testing.T) {
	salt := testBuffer(16, 5, 11)
	fx := newLoginFixtureV2(t, "correct horse", salt)
	prelogin := `{"v":2,"s":"` + b64.EncodeToString(salt) + `"}`

	ft := &fakeTransport{handler: func(_ string, requests []Request, _ url.Values) ([]json.RawMessage, error) {
		switch req := requests[0].(type) {
		case PreLoginRequest:
			return raws(prelogin), nil
		case LoginRequest:
			if req.MFA == nil {
				return raws("-26"), nil
			}
			if *req.MFA != "123456" {
				t.Errorf("mfa = %q, want 123456", *req.MFA)
			}
			return raws(fx.body), nil
		default:
			return nil, fmt.Errorf("unexpected request %T", requests[0])
		}
	}}
	c := newTestClient(t, ft)

	err := c.Login(context.Background(), "user@example.com", "correct horse")
	if !errors.Is(err, ErrMFARequired) {
		t.Fatalf("Login() error = %v, want ErrMFARequired", err)
	}
	if c.State() != StateChallenged {
		t.Fatalf("State() = %v, want challenged", c.State())
	}

	// The session is not usable until the challenge is answered.
	if _, err := c.UserInfo(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("UserInfo() error = %v, want ErrNotAuthenticated", err)
	}

	if err := c.SubmitMFA(context.Background(), "123456"); err != nil {
		t.Fatalf("SubmitMFA() error = %v", err)
	}
	if c.State() != StateAuthenticated {
		t.Errorf("State() = %v, want authenticated", c.State())
	}
	if got := c.currentSID(); got != fx.sid {
		t.Errorf("sid = %q, want %q", got, fx.sid)
	}

	// One prelogin and two login attempts; the retry reuses the derived key
	// without another prelogin.
	if ft.callCount() != 3 {
		t.Errorf("callCount() = %d, want 3", ft.callCount())
	}
}

func TestClientSubmitMFAWithoutChallenge(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)

	if err := c.SubmitMFA(context.Background(), "123456"); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("err = %v, want ErrNoChallenge", err)
	}
	if ft.callCount() != 0 {
		t.Errorf("callCount() = %d, want 0", ft.callCount())
	}
}

func TestClientLoginUnknownVersion(t *testing.T) {
	ft := &fakeTransport{handler: func(_ string, _ []Request, _ url.Values) ([]json.RawMessage, error) {
		return raws(`{"v":3}`), nil
	}}
	c := newTestClient(t, ft)

	err := c.Login(context.Background(), "user@example.com", "pw")
	var verr *UnknownLoginVersionError
	if !errors.As(err, &verr) || verr.Version != 3 {
		t.Fatalf("err = %v, want UnknownLoginVersionError{3}", err)
	}
}

func TestClientLoginMissingSalt(t *testing.T) {
	ft := &fakeTransport{handler: func(_ string, _ []Request, _ url.Values) ([]json.RawMessage, error) {
		return raws(`{"v":2}`), nil
	}}
	c := newTestClient(t, ft)

	if err := c.Login(context.Background(), "user@example.com", "pw"); !errors.Is(err, ErrMissingSalt) {
		t.Fatalf("err = %v, want ErrMissingSalt", err)
	}
}

func TestClientLoginServerRejects(t *testing.T) {
	salt := testBuffer(16, 5, 11)
	prelogin := `{"v":2,"s":"` + b64.EncodeToString(salt) + `"}`

	ft := &fakeTransport{handler: func(_ string, requests []Request, _ url.Values) ([]json.RawMessage, error) {
		if _, ok := requests[0].(PreLoginRequest); ok {
			return raws(prelogin), nil
		}
		return raws("-9"), nil
	}}
	c := newTestClient(t, ft)

	err := c.Login(context.Background(), "user@example.com", "wrong")
	var code ErrorCode
	if !errors.As(err, &code) || code != CodeNotFound {
		t.Fatalf("err = %v, want CodeNotFound", err)
	}
	if c.State() != StateLoggedOut {
		t.Errorf("State() = %v, want logged out", c.State())
	}
}

func TestClientLogout(t *testing.T) {
	t.Run("clears session", func(t *testing.T) {
		ft := &fakeTransport{handler: ackAll}
		c := authedClient(t, ft, testBuffer(16, 7, 3))

		if err := c.Logout(context.Background()); err != nil {
			t.Fatalf("Logout() error = %v", err)
		}
		if _, ok := ft.call(0).Requests[0].(LogoutRequest); !ok {
			t.Errorf("request = %#v", ft.call(0).Requests[0])
		}
		if ft.call(0).SID != "SESSION" {
			t.Errorf("sid = %q, want SESSION", ft.call(0).SID)
		}
		if c.State() != StateLoggedOut || c.currentSID() != "" || c.masterKey != nil {
			t.Errorf("session state survived logout: %v %q %x", c.State(), c.currentSID(), c.masterKey)
		}
	})

	t.Run("clears session on server error", func(t *testing.T) {
		ft := &fakeTransport{handler: func(_ string, _ []Request, _ url.Values) ([]json.RawMessage, error) {
			return raws("-15"), nil
		}}
		c := authedClient(t, ft, testBuffer(16, 7, 3))

		err := c.Logout(context.Background())
		var code ErrorCode
		if !errors.As(err, &code) || code != CodeSID {
			t.Fatalf("err = %v, want CodeSID", err)
		}
		if c.State() != StateLoggedOut {
			t.Errorf("State() = %v, want logged out", c.State())
		}
	})

	t.Run("requires session", func(t *testing.T) {
		ft := &fakeTransport{}
		c := newTestClient(t, ft)
		if err := c.Logout(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
			t.Fatalf("err = %v, want ErrNotAuthenticated", err)
		}
	})
}

func TestClientUserInfo(t *testing.T) {
	ft := &fakeTransport{handler: func(_ string, requests []Request, _ url.Values) ([]json.RawMessage, error) {
		if _, ok := requests[0].(UserInfoRequest); !ok {
			t.Errorf("request = %#v", requests[0])
		}
		return raws(`{"u":"USERHANDLE1","email":"user@example.com","name":"User Name"}`), nil
	}}
	c := authedClient(t, ft, testBuffer(16, 7, 3))

	info, err := c.UserInfo(context.Background())
	if err != nil {
		t.Fatalf("UserInfo() error = %v", err)
	}
	want := AccountInfo{Email: "user@example.com", Name: "User Name", UserHandle: "USERHANDLE1"}
	if *info != want {
		t.Errorf("UserInfo() = %+v, want %+v", *info, want)
	}
}

func TestClientQuota(t *testing.T) {
	ft := &fakeTransport{handler: func(_ string, requests []Request, _ url.Values) ([]json.RawMessage, error) {
		req, ok := requests[0].(QuotaRequest)
		if !ok || req.Transfer != 1 || req.Storage != 1 {
			t.Errorf("request = %#v", requests[0])
		}
		return raws(`{"mstrg":214748364800,"cstrg":1073741824}`), nil
	}}
	c := authedClient(t, ft, testBuffer(16, 7, 3))

	quota, err := c.Quota(context.Background())
	if err != nil {
		t.Fatalf("Quota() error = %v", err)
	}
	if quota.Used != 1073741824 || quota.Total != 214748364800 {
		t.Errorf("Quota() = %+v", quota)
	}
}
