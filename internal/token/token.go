// Package token issues and verifies the short-lived credentials participants
// use to join an audio channel.
//
// A credential is an HS256-signed JWT scoped to exactly one channel, one
// numeric uid and one role. Credentials are value objects: they are never
// persisted and never mutated, a renewal issues a fresh one.
package token

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/agentline/internal/fault"
)

// Default TTL policy.
const (
	DefaultTTL = time.Hour
	MinTTL     = time.Minute
	MaxTTL     = 24 * time.Hour
)

// MaxUID is the largest accepted participant uid.
const MaxUID = 1<<32 - 1

// Role scopes what a credential allows in the channel.
type Role string

const (
	// RolePublisher may send and receive audio.
	RolePublisher Role = "publisher"

	// RoleSubscriber may only receive audio.
	RoleSubscriber Role = "subscriber"
)

// ParseRole validates a role name. The empty string means publisher.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "", RolePublisher:
		return RolePublisher, nil
	case RoleSubscriber:
		return RoleSubscriber, nil
	}
	return "", fault.Validation("token.role", "unknown role %q", s)
}

// channelPattern is the accepted channel name alphabet and length.
var channelPattern = regexp.MustCompile(`^[A-Za-z0-9 !#$%&()+\-:;<=.>?@\[\]^_{|}~,]{1,64}$`)

// ValidateChannel reports whether name is an acceptable channel name.
func ValidateChannel(name string) error {
	if !channelPattern.MatchString(name) {
		return fault.Validation("token.channel", "channel must be 1-64 characters from the allowed set")
	}
	return nil
}

// ValidateUID reports whether uid is within the accepted numeric range.
func ValidateUID(uid int64) error {
	if uid < 1 || uid > MaxUID {
		return fault.Validation("token.uid", "uid must be between 1 and %d", int64(MaxUID))
	}
	return nil
}

// Config is the signing material and TTL policy.
type Config struct {
	// AppID identifies the project; it becomes the token issuer.
	AppID string

	// Secret is the HMAC signing secret.
	Secret string

	// DefaultTTL applies when a caller does not ask for a TTL.
	DefaultTTL time.Duration

	// MinTTL and MaxTTL bound explicitly requested TTLs.
	MinTTL time.Duration
	MaxTTL time.Duration
}

// Credential is a signed channel grant.
type Credential struct {
	Token     string    `json:"token"`
	Channel   string    `json:"channel"`
	UID       uint32    `json:"uid"`
	Role      Role      `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the credential has expired at now.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// claims is the JWT payload.
type claims struct {
	Channel string `json:"chn"`
	Role    Role   `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and verifies credentials. It is safe for concurrent use.
type Service struct {
	cfg Config
	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. Zero TTL fields take the package defaults. Missing
// signing material is not an error here; it surfaces from [Service.Issue].
func New(cfg Config, opts ...Option) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = MinTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = MaxTTL
	}
	s := &Service{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Issue signs a credential with the default TTL.
func (s *Service) Issue(channel string, uid int64, role Role) (Credential, error) {
	return s.IssueTTL(channel, uid, role, 0)
}

// IssueTTL signs a credential valid for ttl. A zero ttl means the configured
// default; any other value must lie within the configured bounds.
func (s *Service) IssueTTL(channel string, uid int64, role Role, ttl time.Duration) (Credential, error) {
	const op = "token.issue"
	if s.cfg.Secret == "" || s.cfg.AppID == "" {
		return Credential{}, fault.Configuration(op, "token signing secret and app id must be configured")
	}
	if err := ValidateChannel(channel); err != nil {
		return Credential{}, err
	}
	if err := ValidateUID(uid); err != nil {
		return Credential{}, err
	}
	if role != RolePublisher && role != RoleSubscriber {
		return Credential{}, fault.Validation(op, "unknown role %q", role)
	}
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	} else if ttl < s.cfg.MinTTL || ttl > s.cfg.MaxTTL {
		return Credential{}, fault.Validation(op, "ttl %s outside [%s, %s]", ttl, s.cfg.MinTTL, s.cfg.MaxTTL)
	}

	issued := s.now().UTC().Truncate(time.Second)
	expires := issued.Add(ttl)
	c := claims{
		Channel: channel,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.AppID,
			Subject:   strconv.FormatInt(uid, 10),
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return Credential{}, fault.Wrap(fault.KindConfiguration, op, fmt.Errorf("sign: %w", err))
	}
	return Credential{
		Token:     signed,
		Channel:   channel,
		UID:       uint32(uid),
		Role:      role,
		IssuedAt:  issued,
		ExpiresAt: expires,
	}, nil
}

// Verify checks signature, issuer and expiry and returns the credential the
// token encodes. Failures are authentication errors.
func (s *Service) Verify(tokenString string) (Credential, error) {
	const op = "token.verify"
	if s.cfg.Secret == "" || s.cfg.AppID == "" {
		return Credential{}, fault.Configuration(op, "token signing secret and app id must be configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.AppID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	var c claims
	_, err := parser.ParseWithClaims(tokenString, &c, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.Secret), nil
	})
	if err != nil {
		return Credential{}, fault.Authentication(op, err)
	}
	uid, err := strconv.ParseUint(c.Subject, 10, 32)
	if err != nil || uid == 0 {
		return Credential{}, fault.Authentication(op, errors.New("invalid subject"))
	}
	cred := Credential{
		Token:   tokenString,
		Channel: c.Channel,
		UID:     uint32(uid),
		Role:    c.Role,
	}
	if c.IssuedAt != nil {
		cred.IssuedAt = c.IssuedAt.UTC()
	}
	if c.ExpiresAt != nil {
		cred.ExpiresAt = c.ExpiresAt.UTC()
	}
	return cred, nil
}
