package auth

import (
	"log/slog"

	"github.com/mattjoyce/cpucom/internal/command"
)

// Checker answers whether a principal may use a command key.
type Checker interface {
	IsAllowed(p Principal, key command.Key) bool
}

// PermissionChecker grants keys from the principal's permission set. A
// permission is either "*", an exact name like "cmd_FD01", or a command-wide
// wildcard like "cmd_FD*".
type PermissionChecker struct{}

func (PermissionChecker) IsAllowed(p Principal, key command.Key) bool {
	if len(p.Permissions) == 0 {
		return false
	}
	if _, ok := p.Permissions["*"]; ok {
		return true
	}
	name := key.Permission()
	if _, ok := p.Permissions[name]; ok {
		return true
	}
	// "cmd_FD*"
	_, ok := p.Permissions[name[:len("cmd_")+2]+"*"]
	return ok
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(p Principal, key command.Key) bool

func (f CheckerFunc) IsAllowed(p Principal, key command.Key) bool { return f(p, key) }

// Gate wraps a Checker and logs denials. It holds no state of its own.
type Gate struct {
	checker Checker
	logger  *slog.Logger
}

func NewGate(checker Checker, logger *slog.Logger) *Gate {
	if checker == nil {
		checker = PermissionChecker{}
	}
	return &Gate{checker: checker, logger: logger}
}

// Check reports whether callerID, authenticated as p, may use key.
func (g *Gate) Check(p Principal, callerID string, key command.Key) bool {
	if g.checker.IsAllowed(p, key) {
		return true
	}
	g.logger.Warn("permission denied",
		"caller", callerID,
		"principal", p.Name,
		"command", key.String(),
		"permission", key.Permission(),
	)
	return false
}
