package app

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

var (
	errCodeSendRateLimited = errors.New("too many verification code requests")
	errCodeInvalid         = errors.New("incorrect verification code")
	errCodeExpired         = errors.New("verification code expired")
	errCodeRequired        = errors.New("verification code is required")
	errEmailInvalid        = errors.New("email format is invalid")
)

// verifyStore keeps short-lived email verification codes in Redis. Codes are
// stored bcrypt-hashed with a TTL, a resend cooldown, and an attempt cap.
type verifyStore struct {
	client      *redis.Client
	keyPrefix   string
	codeTTL     time.Duration
	resendAfter time.Duration
	maxAttempts int
}

type verifyChallenge struct {
	Email     string    `json:"email"`
	CodeHash  string    `json:"codeHash"`
	ExpiresAt time.Time `json:"expiresAt"`
	Attempts  int       `json:"attempts"`
}

func newVerifyStore(addr, password string) (*verifyStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("verify redis addr is required")
	}
	return &verifyStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		keyPrefix:   "gallery:auth:code",
		codeTTL:     5 * time.Minute,
		resendAfter: time.Minute,
		maxAttempts: 5,
	}, nil
}

// CreateCode issues a fresh 6-digit code for the email, replacing any
// previous one, and returns it for delivery.
func (s *verifyStore) CreateCode(email string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	allowed, err := s.client.SetNX(ctx, s.resendKey(email), "1", s.resendAfter).Result()
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", errCodeSendRateLimited
	}
	code, err := generateNumericCode(6)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}
	challenge := verifyChallenge{
		Email:     email,
		CodeHash:  string(codeHash),
		ExpiresAt: time.Now().UTC().Add(s.codeTTL),
	}
	raw, err := json.Marshal(challenge)
	if err != nil {
		return "", fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.client.Set(ctx, s.codeKey(email), raw, s.codeTTL+time.Minute).Err(); err != nil {
		return "", err
	}
	return code, nil
}

// VerifyCode checks a code and consumes the challenge on success. Wrong
// codes burn an attempt; exceeding the cap invalidates the challenge.
func (s *verifyStore) VerifyCode(email, code string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errCodeRequired
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := s.codeKey(email)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return errCodeExpired
	}
	if err != nil {
		return err
	}
	var challenge verifyChallenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return fmt.Errorf("unmarshal challenge: %w", err)
	}
	if time.Now().UTC().After(challenge.ExpiresAt) {
		_ = s.client.Del(ctx, key).Err()
		return errCodeExpired
	}
	if challenge.Attempts >= s.maxAttempts {
		_ = s.client.Del(ctx, key).Err()
		return errCodeExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(challenge.CodeHash), []byte(code)) != nil {
		challenge.Attempts++
		if challenge.Attempts >= s.maxAttempts {
			_ = s.client.Del(ctx, key).Err()
		} else if updated, marshalErr := json.Marshal(challenge); marshalErr == nil {
			if ttl, ttlErr := s.client.TTL(ctx, key).Result(); ttlErr == nil && ttl > 0 {
				_ = s.client.Set(ctx, key, updated, ttl).Err()
			}
		}
		return errCodeInvalid
	}
	return s.client.Del(ctx, key).Err()
}

func (s *verifyStore) codeKey(email string) string {
	return fmt.Sprintf("%s:challenge:%s", s.keyPrefix, email)
}

func (s *verifyStore) resendKey(email string) string {
	return fmt.Sprintf("%s:resend:%s", s.keyPrefix, email)
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", errEmailInvalid
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", errEmailInvalid
	}
	return email, nil
}

func generateNumericCode(digits int) (string, error) {
	var sb strings.Builder
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	return sb.String(), nil
}
