package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/hjnpark/QCFractal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Rule grants one (action, resource) pair to a role. Action is the HTTP
// method and resource the first path segment under /v1; either may be "*".
type Rule struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// Matches reports whether the rule covers the given request shape.
func (r Rule) Matches(action, resource string) bool {
	if r.Action != "*" && !strings.EqualFold(r.Action, action) {
		return false
	}
	return r.Resource == "*" || strings.EqualFold(r.Resource, resource)
}

const policyCacheTTL = 5 * time.Minute

// PolicyEvaluator answers (Principal, Action=HTTP-method, Resource=first
// path segment) questions against per-role rule sets stored in the roles
// table. Role lookups go through a read-mostly Redis cache that refreshes
// on miss; a nil or unreachable Redis client
// degrades to direct database reads.
type PolicyEvaluator struct {
	db    *sql.DB
	cache *redis.Client
	log   *logger.Logger
}

// NewPolicyEvaluator wires the evaluator; cache may be nil.
func NewPolicyEvaluator(db *sql.DB, cache *redis.Client, log *logger.Logger) *PolicyEvaluator {
	return &PolicyEvaluator{db: db, cache: cache, log: log.With("policy")}
}

// Allowed reports whether the role may perform action on resource.
func (p *PolicyEvaluator) Allowed(ctx context.Context, role, action, resource string) (bool, error) {
	rules, err := p.rolePolicy(ctx, role)
	if err != nil {
		return false, err
	}
	for _, r := range rules {
		if r.Matches(action, resource) {
			return true, nil
		}
	}
	return false, nil
}

// Enforce wraps Allowed into the taxonomy error the HTTP layer surfaces.
func (p *PolicyEvaluator) Enforce(ctx context.Context, role, action, resource string) error {
	ok, err := p.Allowed(ctx, role, action, resource)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.AuthorisationDenied("role " + role + " may not " + action + " " + resource)
	}
	return nil
}

// AllowedUnauthenticated is the unauthenticated-read fallback: when no
// bearer token is presented, the read role's policy is consulted for GET
// requests only.
func (p *PolicyEvaluator) AllowedUnauthenticated(ctx context.Context, action, resource string) (bool, error) {
	if !strings.EqualFold(action, http.MethodGet) {
		return false, nil
	}
	return p.Allowed(ctx, "read", action, resource)
}

func (p *PolicyEvaluator) rolePolicy(ctx context.Context, role string) ([]Rule, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return nil, nil
	}

	if p.cache != nil {
		cached, err := p.cache.Get(ctx, policyCacheKey(role)).Result()
		if err == nil {
			var rules []Rule
			if json.Unmarshal([]byte(cached), &rules) == nil {
				return rules, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			p.log.WithError(err).Warn("policy cache read failed; falling back to database")
		}
	}

	rules, err := p.loadFromDB(ctx, role)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if encoded, err := json.Marshal(rules); err == nil {
			if err := p.cache.Set(ctx, policyCacheKey(role), encoded, policyCacheTTL).Err(); err != nil {
				p.log.WithError(err).Warn("policy cache write failed")
			}
		}
	}
	return rules, nil
}

func (p *PolicyEvaluator) loadFromDB(ctx context.Context, role string) ([]Rule, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT permissions FROM roles WHERE name = $1`, role).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("load role policy", err)
	}
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, apperrors.Internal("decode role policy", err)
	}
	return rules, nil
}

// Invalidate drops a role's cached policy so the next check re-reads the
// database, used after an admin edits the roles table.
func (p *PolicyEvaluator) Invalidate(ctx context.Context, role string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Del(ctx, policyCacheKey(role)).Err(); err != nil {
		p.log.WithError(err).Warn("policy cache invalidate failed")
	}
}

func policyCacheKey(role string) string { return "qcfractal:policy:" + role }
