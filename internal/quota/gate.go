package quota

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"

	"cap2cal/internal/config"
	"cap2cal/internal/event"
	"cap2cal/internal/logging"
	"cap2cal/internal/services"
)

// ErrUnauthorized reports a missing or unknown bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// Policy decides who is limited and by how much.
type Policy struct {
	PaidOnly  bool
	FreeLimit int
	ProUsers  map[string]bool
}

// PolicyFrom builds a Policy from quota config.
func PolicyFrom(cfg config.Quota) Policy {
	pro := make(map[string]bool, len(cfg.ProUsers))
	for _, user := range cfg.ProUsers {
		pro[user] = true
	}
	return Policy{PaidOnly: cfg.PaidOnly, FreeLimit: cfg.FreeCaptureLimit, ProUsers: pro}
}

// limitFor returns the capture limit for userID, or Unlimited. A paid-only
// policy with a free limit of zero denies every free capture.
func (p Policy) limitFor(userID string) int {
	if !p.PaidOnly || p.ProUsers[userID] {
		return Unlimited
	}
	return max(p.FreeLimit, 0)
}

// Decision is the gate's verdict for one request.
type Decision struct {
	UserID  string
	Allowed bool
	Reason  event.ErrorReason
	Pro     bool
	Used    int64
	// Limit is Unlimited for unmetered users.
	Limit int
	// Reserved is true when a capture was counted and may be released.
	Reserved bool
}

// Gate verifies bearer tokens against a static table and enforces the capture
// quota before any model call is made.
type Gate struct {
	tokens  map[string]string
	service Service
	policy  Policy
	logger  *slog.Logger
}

// NewGate builds a Gate. tokens maps bearer token to user id.
func NewGate(tokens map[string]string, service Service, policy Policy, logger *slog.Logger) *Gate {
	copied := make(map[string]string, len(tokens))
	for token, user := range tokens {
		copied[token] = user
	}
	return &Gate{
		tokens:  copied,
		service: service,
		policy:  policy,
		logger:  logging.NewComponentLogger(logger, "quota"),
	}
}

// Verify maps a bearer token to its user id.
func (g *Gate) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	var (
		user  string
		found bool
	)
	// Compare against every entry so timing does not reveal a prefix match.
	for candidate, id := range g.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			user, found = id, true
		}
	}
	if !found {
		return "", ErrUnauthorized
	}
	return user, nil
}

// Authorize verifies token and reserves one capture. A denied quota is a
// Decision with Allowed false and Reason LIMIT_REACHED, not an error.
func (g *Gate) Authorize(ctx context.Context, token string) (Decision, error) {
	userID, err := g.Verify(token)
	if err != nil {
		return Decision{}, err
	}
	ctx = services.WithUserID(ctx, userID)
	logger := logging.WithContext(ctx, g.logger)

	limit := g.policy.limitFor(userID)
	decision := Decision{UserID: userID, Pro: g.policy.ProUsers[userID], Limit: limit}
	allowed, used, err := g.service.CheckAndIncrement(ctx, userID, limit)
	if err != nil {
		return decision, services.Wrap(services.ErrTransient, "quota", "check and increment", "", err)
	}
	decision.Used = used
	if !allowed {
		decision.Reason = event.ReasonLimitReached
		logger.Info("capture quota reached",
			logging.Int64("used", used),
			logging.Int("limit", limit),
		)
		return decision, nil
	}
	decision.Allowed = true
	decision.Reserved = true
	logger.Debug("capture reserved",
		logging.Int64("used", used),
		logging.Int("limit", limit),
		logging.Bool("pro", decision.Pro),
	)
	return decision, nil
}

// Release returns a reserved capture, for scans that produced nothing.
func (g *Gate) Release(ctx context.Context, decision Decision) error {
	if !decision.Reserved {
		return nil
	}
	if err := g.service.Release(ctx, decision.UserID); err != nil {
		return services.Wrap(services.ErrTransient, "quota", "release", decision.UserID, err)
	}
	return nil
}

// Usage reports the capture count for userID.
func (g *Gate) Usage(ctx context.Context, userID string) (int64, error) {
	return g.service.Usage(ctx, userID)
}

// Ping checks the quota backend.
func (g *Gate) Ping(ctx context.Context) error {
	return g.service.Ping(ctx)
}
