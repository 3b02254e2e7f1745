package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/richxcame/referral-integrity/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	// CodeLength is the fixed length of every referral code.
	CodeLength = 8

	// SafeAlphabet excludes the visually ambiguous 0, O, 1, I and L.
	SafeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

	upperLetters     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	minPrefixLetters = 3
	maxPrefixLetters = 4

	// DefaultMaxCodeAttempts bounds EnsureUniqueCode.
	DefaultMaxCodeAttempts = 10
	// DefaultRandomFallbackFrom is the last attempt that derives from name/email.
	DefaultRandomFallbackFrom = 5
)

var tracer = otel.Tracer("github.com/richxcame/referral-integrity/internal/referral")

// GenerateCode derives a candidate code from the account's name, falling back
// to the email local part and then to random letters for the prefix. It does no I/O.
func GenerateCode(name, email string) string {
	prefix := derivePrefix(name, email)

	code := make([]byte, 0, CodeLength)
	for i := 0; i < len(prefix); i++ {
		if strings.IndexByte(SafeAlphabet, prefix[i]) >= 0 {
			code = append(code, prefix[i])
		} else {
			code = append(code, randomSymbol(SafeAlphabet))
		}
	}
	for len(code) < CodeLength {
		code = append(code, randomSymbol(SafeAlphabet))
	}
	return string(code[:CodeLength])
}

// GenerateRandomCode returns CodeLength random safe symbols.
func GenerateRandomCode() string {
	return randomString(SafeAlphabet, CodeLength)
}

func derivePrefix(name, email string) string {
	if prefix := letterPrefix(name); prefix != "" {
		return prefix
	}
	local, _, _ := strings.Cut(email, "@")
	if prefix := letterPrefix(local); prefix != "" {
		return prefix
	}
	return randomString(upperLetters, minPrefixLetters)
}

// letterPrefix returns up to four uppercase ASCII letters from s, or "" when
// fewer than three are present.
func letterPrefix(s string) string {
	letters := make([]byte, 0, maxPrefixLetters)
	for _, r := range strings.ToUpper(s) {
		if r < 'A' || r > 'Z' {
			continue
		}
		letters = append(letters, byte(r))
		if len(letters) == maxPrefixLetters {
			break
		}
	}
	if len(letters) < minPrefixLetters {
		return ""
	}
	return string(letters)
}

func randomString(alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randomSymbol(alphabet)
	}
	return string(b)
}

// randReader is the entropy source for code symbols.
var randReader io.Reader = rand.Reader

// randomSymbol panics if the entropy source fails. A code built from a
// predictable fallback would be guessable.
func randomSymbol(alphabet string) byte {
	n, err := rand.Int(randReader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		panic(fmt.Sprintf("referral: read random symbol: %v", err))
	}
	return alphabet[n.Int64()]
}

// CodeGenerator mints codes that are unique among active referral codes.
type CodeGenerator struct {
	store        CodeStore
	reserver     CodeReserver
	maxAttempts  int
	fallbackFrom int

	derive func(name, email string) string
	random func() string
}

// NewCodeGenerator creates a generator. reserver may be nil. Attempts after
// fallbackFrom use fully random candidates.
func NewCodeGenerator(store CodeStore, reserver CodeReserver, maxAttempts, fallbackFrom int) *CodeGenerator {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxCodeAttempts
	}
	if fallbackFrom < 0 {
		fallbackFrom = DefaultRandomFallbackFrom
	}
	return &CodeGenerator{
		store:        store,
		reserver:     reserver,
		maxAttempts:  maxAttempts,
		fallbackFrom: fallbackFrom,
		derive:       GenerateCode,
		random:       GenerateRandomCode,
	}
}

// EnsureUniqueCode returns the first candidate not held by an active code.
// Store errors are returned without retrying; ErrCodeGenerationExhausted is
// returned when every attempt collided.
func (g *CodeGenerator) EnsureUniqueCode(ctx context.Context, name, email string) (string, error) {
	ctx, span := tracer.Start(ctx, "referral.EnsureUniqueCode")
	defer span.End()

	log := logger.WithContext(ctx)

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return "", err
		}

		strategy := strategyDerived
		var candidate string
		if attempt > g.fallbackFrom {
			strategy = strategyRandom
			candidate = g.random()
		} else {
			candidate = g.derive(name, email)
		}

		taken, err := g.store.ActiveCodeExists(ctx, candidate)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "uniqueness check failed")
			return "", fmt.Errorf("check referral code uniqueness: %w", err)
		}
		if !taken {
			taken = !g.reserve(ctx, candidate)
		}

		if !taken {
			codesGeneratedTotal.WithLabelValues(strategy).Inc()
			span.SetAttributes(
				attribute.Int("referral.attempts", attempt),
				attribute.String("referral.strategy", strategy),
			)
			return candidate, nil
		}

		codeCollisionsTotal.WithLabelValues(strategy).Inc()
		log.Warn("referral code collision, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", g.maxAttempts),
			zap.String("strategy", strategy),
		)
	}

	codeExhaustedTotal.Inc()
	span.SetStatus(codes.Error, "exhausted")
	log.Error("referral code generation exhausted", zap.Int("attempts", g.maxAttempts))
	return "", fmt.Errorf("%w after %d attempts", ErrCodeGenerationExhausted, g.maxAttempts)
}

// reserve claims candidate when a reserver is configured. A reserver failure
// is logged and the candidate proceeds; the active-code unique index still
// rejects a duplicate at insert time.
func (g *CodeGenerator) reserve(ctx context.Context, candidate string) bool {
	if g.reserver == nil {
		return true
	}
	claimed, err := g.reserver.Reserve(ctx, candidate)
	if err != nil {
		if errors.Is(err, ErrReservationUnavailable) {
			logger.WithContext(ctx).Warn("referral code reservation unavailable", zap.Error(err))
		} else {
			logger.WithContext(ctx).Error("referral code reservation failed", zap.Error(err))
		}
		return true
	}
	return claimed
}

// Release drops the reservation on code. Errors are logged only; the
// reservation expires on its own.
func (g *CodeGenerator) Release(ctx context.Context, code string) {
	if g.reserver == nil {
		return
	}
	if err := g.reserver.Release(ctx, code); err != nil {
		logger.WithContext(ctx).Debug("referral code release failed", zap.String("code", code), zap.Error(err))
	}
}
