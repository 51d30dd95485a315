package authorization

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	"github.com/smallbiznis/clinicpay/internal/config"
	obscontext "github.com/smallbiznis/clinicpay/internal/observability/context"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

const (
	ObjectFailure        = "failure"
	ObjectWebhookEvent   = "webhook_event"
	ObjectPaymentRequest = "payment_request"
	ObjectAuditLog       = "audit_log"
)

const (
	ActionView    = "view"
	ActionResolve = "resolve"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNoOperators     = errors.New("admin_api_disabled")
)

// Operator is a holder of an admin token.
type Operator struct {
	Name string
	Role string
}

func (o Operator) subject() string { return "operator:" + o.Name }

type Params struct {
	fx.In

	Config   config.Config
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	Audit    auditdomain.Service `optional:"true"`
}

// Authorizer resolves admin tokens to operators and checks their role
// against the casbin policy.
type Authorizer struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	audit    auditdomain.Service
	tokens   []config.AdminToken
}

func New(p Params) (*Authorizer, error) {
	a := &Authorizer{
		log:      p.Log.Named("authorization"),
		enforcer: p.Enforcer,
		audit:    p.Audit,
	}
	for _, tok := range p.Config.AdminTokens {
		if strings.TrimSpace(tok.Token) == "" {
			continue
		}
		if tok.Role != config.RoleOperator && tok.Role != config.RoleViewer {
			return nil, fmt.Errorf("admin token %q: unknown role %q", tok.Name, tok.Role)
		}
		a.tokens = append(a.tokens, tok)
	}
	return a, nil
}

// NewEnforcer loads policies from the casbin_rule table and seeds the
// built-in roles.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func (a *Authorizer) Enabled() bool { return len(a.tokens) > 0 }

// Authenticate compares the bearer token with every configured token so the
// time taken does not depend on which one matched.
func (a *Authorizer) Authenticate(token string) (Operator, error) {
	if !a.Enabled() {
		return Operator{}, ErrNoOperators
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Operator{}, ErrUnauthenticated
	}

	var (
		found Operator
		ok    bool
	)
	for _, tok := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(tok.Token)) == 1 && !ok {
			found = Operator{Name: tok.Name, Role: tok.Role}
			ok = true
		}
	}
	if !ok {
		return Operator{}, ErrUnauthenticated
	}
	return found, nil
}

func (a *Authorizer) Authorize(ctx context.Context, op Operator, object, action string) error {
	if err := a.ensureGrouping(op); err != nil {
		return err
	}
	allowed, err := a.enforcer.Enforce(op.subject(), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		a.auditDenied(ctx, op, object, action)
		return ErrForbidden
	}
	return nil
}

// ensureGrouping keeps one role link per operator; a changed role in config
// replaces the stored link.
func (a *Authorizer) ensureGrouping(op Operator) error {
	role := "role:" + op.Role
	existing, err := a.enforcer.GetFilteredGroupingPolicy(0, op.subject())
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) >= 2 && rule[1] != role {
			if _, err := a.enforcer.RemoveGroupingPolicy(rule[0], rule[1]); err != nil {
				return err
			}
		}
	}
	has, err := a.enforcer.HasGroupingPolicy(op.subject(), role)
	if err != nil || has {
		return err
	}
	_, err = a.enforcer.AddGroupingPolicy(op.subject(), role)
	return err
}

func (a *Authorizer) auditDenied(ctx context.Context, op Operator, object, action string) {
	if a.audit == nil {
		return
	}
	name := op.Name
	target := object
	if err := a.audit.AuditLog(ctx, obscontext.ActorAdmin, &name, "authorization.denied", "authorization", &target, map[string]any{
		"role":   op.Role,
		"object": object,
		"action": action,
	}); err != nil {
		a.log.Warn("failed to audit denied access", zap.Error(err))
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:operator", ObjectFailure, ActionView},
		{"role:operator", ObjectFailure, ActionResolve},
		{"role:operator", ObjectWebhookEvent, ActionView},
		{"role:operator", ObjectPaymentRequest, ActionView},
		{"role:operator", ObjectAuditLog, ActionView},

		{"role:viewer", ObjectFailure, ActionView},
		{"role:viewer", ObjectWebhookEvent, ActionView},
		{"role:viewer", ObjectPaymentRequest, ActionView},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
