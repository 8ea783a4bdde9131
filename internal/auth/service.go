// Package auth implements phone OTP sign-in for whitelisted conductors.
// Pending verifications and sessions live in Redis with a TTL.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"conductor-relay/internal/db"
	"conductor-relay/internal/fleet"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrInvalidCode        = errors.New("invalid code")
	ErrNotRegistered      = errors.New("phone number not registered")
	ErrRateLimited        = errors.New("too many code requests")
	ErrVerificationFailed = errors.New("verification failed")
	ErrUnauthenticated    = errors.New("not signed in")
)

// UserMessage returns the text shown on the login screen for err.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPhone):
		return "Please enter a valid 10-digit phone number."
	case errors.Is(err, ErrInvalidCode):
		return "Please enter a valid 6-digit OTP."
	case errors.Is(err, ErrNotRegistered):
		return "This phone number is not registered."
	case errors.Is(err, ErrRateLimited):
		return "Too many attempts. Please wait a minute and try again."
	case errors.Is(err, ErrVerificationFailed):
		return "Invalid OTP or an error occurred."
	case errors.Is(err, ErrUnauthenticated):
		return "Please sign in again."
	default:
		return "An unexpected error occurred."
	}
}

type ConductorLookup interface {
	FindConductorByPhone(ctx context.Context, phone string) (fleet.Conductor, error)
}

// Sender delivers a code to a phone.
type Sender interface {
	Send(ctx context.Context, phone, code string) error
}

// LogSender writes codes to the log instead of sending an SMS.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, phone, code string) error {
	s.Log.Info().Str("phone", phone).Str("code", code).Msg("otp issued")
	return nil
}

type Metrics interface {
	OTPRequested(result string)
	OTPVerified(result string)
}

type nopMetrics struct{}

func (nopMetrics) OTPRequested(string) {}
func (nopMetrics) OTPVerified(string)  {}

type Options struct {
	CountryCode string        // default "+91"
	OTPTTL      time.Duration // default 60s
	SessionTTL  time.Duration // default 12h
	PerMinute   int           // code requests per phone per minute, default 3
	MaxAttempts int           // wrong codes before a verification is burned, default 5
	Logger      zerolog.Logger
	Metrics     Metrics
}

const (
	otpPrefix     = "otp:"
	sessionPrefix = "session:"
	maxLimiters   = 1024
)

type Service struct {
	rdb    redis.UniversalClient
	lookup ConductorLookup
	sender Sender
	opts   Options
	log    zerolog.Logger
	m      Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewService(rdb redis.UniversalClient, lookup ConductorLookup, sender Sender, opts Options) *Service {
	if opts.CountryCode == "" {
		opts.CountryCode = "+91"
	}
	if opts.OTPTTL <= 0 {
		opts.OTPTTL = time.Minute
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 12 * time.Hour
	}
	if opts.PerMinute <= 0 {
		opts.PerMinute = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	m := opts.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Service{
		rdb:      rdb,
		lookup:   lookup,
		sender:   sender,
		opts:     opts,
		log:      opts.Logger,
		m:        m,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SendOTP issues a code to a whitelisted 10-digit national number and
// returns the verification id the code must be presented with.
func (s *Service) SendOTP(ctx context.Context, national string) (string, error) {
	national = strings.TrimSpace(national)
	if !isDigits(national, 10) {
		s.m.OTPRequested("invalid")
		return "", ErrInvalidPhone
	}
	phone := s.opts.CountryCode + national

	if _, err := s.lookup.FindConductorByPhone(ctx, phone); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.log.Warn().Str("phone", phone).Msg("whitelist check failed")
			s.m.OTPRequested("unregistered")
			return "", ErrNotRegistered
		}
		s.m.OTPRequested("error")
		return "", fmt.Errorf("whitelist lookup: %w", err)
	}
	if !s.allow(phone) {
		s.m.OTPRequested("limited")
		return "", ErrRateLimited
	}

	code, err := newCode()
	if err != nil {
		s.m.OTPRequested("error")
		return "", err
	}
	id := uuid.NewString()
	key := otpPrefix + id
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "phone", phone, "code", code, "attempts", 0)
		p.Expire(ctx, key, s.opts.OTPTTL)
		return nil
	})
	if err != nil {
		s.m.OTPRequested("error")
		return "", fmt.Errorf("store verification: %w", err)
	}
	if err := s.sender.Send(ctx, phone, code); err != nil {
		s.rdb.Del(ctx, key)
		s.m.OTPRequested("error")
		return "", fmt.Errorf("send code: %w", err)
	}
	s.m.OTPRequested("sent")
	return id, nil
}

// Verify consumes a verification and opens a session for its conductor.
// A verification succeeds at most once.
func (s *Service) Verify(ctx context.Context, verificationID, code string) (string, fleet.Conductor, error) {
	code = strings.TrimSpace(code)
	if !isDigits(code, 6) {
		s.m.OTPVerified("invalid")
		return "", fleet.Conductor{}, ErrInvalidCode
	}
	if verificationID == "" {
		s.m.OTPVerified("expired")
		return "", fleet.Conductor{}, ErrVerificationFailed
	}
	key := otpPrefix + verificationID
	rec, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		s.m.OTPVerified("error")
		return "", fleet.Conductor{}, fmt.Errorf("load verification: %w", err)
	}
	if len(rec) == 0 {
		s.m.OTPVerified("expired")
		return "", fleet.Conductor{}, ErrVerificationFailed
	}

	if subtle.ConstantTimeCompare([]byte(rec["code"]), []byte(code)) != 1 {
		attempts, err := s.rdb.HIncrBy(ctx, key, "attempts", 1).Result()
		if err == nil && attempts >= int64(s.opts.MaxAttempts) {
			s.rdb.Del(ctx, key)
		}
		s.m.OTPVerified("mismatch")
		return "", fleet.Conductor{}, ErrVerificationFailed
	}

	// Whoever deletes the key owns the verification.
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		s.m.OTPVerified("error")
		return "", fleet.Conductor{}, fmt.Errorf("consume verification: %w", err)
	}
	if n == 0 {
		s.m.OTPVerified("expired")
		return "", fleet.Conductor{}, ErrVerificationFailed
	}

	c, err := s.lookup.FindConductorByPhone(ctx, rec["phone"])
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.m.OTPVerified("unregistered")
			return "", fleet.Conductor{}, ErrNotRegistered
		}
		s.m.OTPVerified("error")
		return "", fleet.Conductor{}, fmt.Errorf("whitelist lookup: %w", err)
	}

	token := uuid.NewString()
	skey := sessionPrefix + token
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, skey,
			"uid", c.UID,
			"conductorId", c.ConductorID,
			"fullName", c.FullName,
			"phone", c.Phone,
		)
		p.Expire(ctx, skey, s.opts.SessionTTL)
		return nil
	})
	if err != nil {
		s.m.OTPVerified("error")
		return "", fleet.Conductor{}, fmt.Errorf("store session: %w", err)
	}
	s.log.Info().Str("conductor_id", c.ConductorID).Msg("conductor signed in")
	s.m.OTPVerified("ok")
	return token, c, nil
}

// Conductor returns the conductor signed in with token.
func (s *Service) Conductor(ctx context.Context, token string) (fleet.Conductor, error) {
	if token == "" {
		return fleet.Conductor{}, ErrUnauthenticated
	}
	rec, err := s.rdb.HGetAll(ctx, sessionPrefix+token).Result()
	if err != nil {
		return fleet.Conductor{}, fmt.Errorf("load session: %w", err)
	}
	if len(rec) == 0 {
		return fleet.Conductor{}, ErrUnauthenticated
	}
	return fleet.Conductor{
		UID:         rec["uid"],
		ConductorID: rec["conductorId"],
		FullName:    rec["fullName"],
		Phone:       rec["phone"],
		Active:      true,
	}, nil
}

// SignOut revokes token. Revoking an unknown token is not an error.
func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.rdb.Del(ctx, sessionPrefix+token).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *Service) allow(phone string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[phone]
	if !ok {
		if len(s.limiters) >= maxLimiters {
			s.pruneLocked()
		}
		every := time.Minute / time.Duration(s.opts.PerMinute)
		lim = rate.NewLimiter(rate.Every(every), s.opts.PerMinute)
		s.limiters[phone] = lim
	}
	return lim.Allow()
}

// pruneLocked drops limiters that have refilled completely.
func (s *Service) pruneLocked() {
	for k, lim := range s.limiters {
		if lim.Tokens() >= float64(lim.Burst()) {
			delete(s.limiters, k)
		}
	}
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
