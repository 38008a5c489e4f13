package manager

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"

	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/svcfields"
)

const challengeKey = "challenge"

var (
	errUnknownUser = errors.New("unknown user")
	errPeerDenied  = errors.New("peer address denied")
	errNoSecret    = errors.New("account has no secret")
	errBadSecret   = errors.New("secret mismatch")
	errNoChallenge = errors.New("no challenge issued")
	errBadAuthType = errors.New("unsupported auth type")
)

func defaultNonce() string {
	return strconv.FormatUint(uint64(rand.Uint32()), 10)
}

// authenticate checks the Login headers against the account table.
func (m *Manager) authenticate(s *Session, r *Request) (*User, error) {
	name := r.Get("Username")
	u, ok := m.users.get(name)
	if !ok || name == "" {
		return nil, errUnknownUser
	}
	if !u.PeerAllowed(s.remote) {
		return nil, errPeerDenied
	}
	authType := r.Get("AuthType")
	switch {
	case authType == "":
		if u.Secret == "" {
			return nil, errNoSecret
		}
		if subtle.ConstantTimeCompare([]byte(r.Get("Secret")), []byte(u.Secret)) != 1 {
			return nil, errBadSecret
		}
	case strings.EqualFold(authType, "md5"):
		raw, ok := s.Data(challengeKey)
		nonce, _ := raw.(string)
		if !ok || nonce == "" {
			return nil, errNoChallenge
		}
		if u.Secret == "" {
			return nil, errNoSecret
		}
		sum := md5.Sum([]byte(nonce + u.Secret))
		want := hex.EncodeToString(sum[:])
		got := strings.ToLower(strings.TrimSpace(r.Get("Key")))
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return nil, errBadSecret
		}
	default:
		return nil, errBadAuthType
	}
	return u, nil
}

func (m *Manager) actionLogin(ctx context.Context, r *Request) (Result, error) {
	s := r.Session
	if s.Authenticated() {
		r.Ack("Already authenticated")
		return ResultContinue, nil
	}
	user := r.Get("Username")
	u, err := m.authenticate(s, r)
	if err != nil {
		s.logger.Warn("amid.manager.auth_failed", "user", user, "reason", err.Error())
		m.guard.RecordFailure(s.remote, "auth")
		m.penalty(ctx)
		r.Error("Authentication failed")
		return ResultClose, nil
	}
	events, have := perm.ParseEvents(r.Get("Events"))
	s.login(u, events, have)
	s.RemoveData(challengeKey)
	logger := svcfields.WithUser(s.logger, u.Name)
	if u.DisplayConnects && m.Settings().DisplayConnects {
		logger.Info("amid.manager.login")
	} else {
		logger.Debug("amid.manager.login")
	}
	r.Ack("Authentication accepted")
	return ResultContinue, nil
}

func (m *Manager) actionChallenge(_ context.Context, r *Request) (Result, error) {
	if !strings.EqualFold(r.Get("AuthType"), "md5") {
		r.Error("Must specify AuthType")
		return ResultContinue, nil
	}
	s := r.Session
	raw, _ := s.Data(challengeKey)
	nonce, _ := raw.(string)
	if nonce == "" {
		nonce = m.nonce()
		s.SetData(challengeKey, nonce)
	}
	s.setState(StateAuthenticating)
	r.Begin(KindSuccess).Header("Challenge", nonce).End()
	return ResultContinue, nil
}

func (m *Manager) actionLogoff(_ context.Context, r *Request) (Result, error) {
	r.Respond(KindGoodbye, "Thanks for all the fish.")
	return ResultClose, nil
}
