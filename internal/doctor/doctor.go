// Package doctor checks a loaded cpucomd configuration for setups that parse
// cleanly but cannot work as intended at runtime.
package doctor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mattjoyce/cpucom/internal/auth"
	"github.com/mattjoyce/cpucom/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// permissionPattern matches "cmd_FD01" and the command-wide "cmd_FD*".
var permissionPattern = regexp.MustCompile(`^(?i)cmd_[0-9a-f]{2}([0-9a-f]{2}|\*)$`)

// Doctor validates a configuration that config.Load already accepted.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTokenPermissions(r)
	d.validateBridgeSubscriptions(r)
	d.warnNoCallerSurface(r)
	d.warnOpenAPI(r)
	d.warnBridgeWildcard(r)
	d.warnIdleDevice(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validPermission reports whether p can ever match a gate check or route.
func validPermission(p string) bool {
	p = strings.TrimSpace(p)
	return p == "*" || p == "inspect" || permissionPattern.MatchString(p)
}

// validateTokenPermissions rejects permission names that match nothing.
func (d *Doctor) validateTokenPermissions(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	for i, tok := range d.cfg.API.Auth.Tokens {
		for j, p := range tok.Permissions {
			if !validPermission(p) {
				d.addError(r, "permissions", fmt.Sprintf("api.auth.tokens[%d].permissions[%d]", i, j),
					fmt.Sprintf("unrecognised permission %q for token %q (want *, inspect, cmd_XXYY or cmd_XX*)", p, tok.Name))
			}
		}
	}
}

// validateBridgeSubscriptions rejects subscriptions the bridge's own
// permissions would deny on every start.
func (d *Doctor) validateBridgeSubscriptions(r *Result) {
	b := d.cfg.Bridge
	if !b.Enabled {
		return
	}
	for j, p := range b.Permissions {
		if !validPermission(p) || p == "inspect" {
			d.addError(r, "permissions", fmt.Sprintf("bridge.permissions[%d]", j),
				fmt.Sprintf("unrecognised bridge permission %q", p))
		}
	}

	principal := auth.NewPrincipal(b.Caller, b.Permissions)
	var checker auth.PermissionChecker
	for i, ref := range b.Subscribe {
		key, err := ref.Key()
		if err != nil {
			// config.Load already rejects these.
			continue
		}
		if !checker.IsAllowed(principal, key) {
			d.addError(r, "bridge", fmt.Sprintf("bridge.subscribe[%d]", i),
				fmt.Sprintf("bridge permissions do not grant %s; the subscription would always be denied", key.Permission()))
		}
	}
}

func (d *Doctor) warnNoCallerSurface(r *Result) {
	if !d.cfg.API.Enabled && !d.cfg.Bridge.Enabled {
		d.addWarning(r, "surface", "", "neither api nor bridge is enabled; no caller can reach the device")
	}
}

func (d *Doctor) warnOpenAPI(r *Result) {
	if d.cfg.API.Enabled && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.tokens", "API enabled but no tokens configured; every request will be rejected")
	}
}

func (d *Doctor) warnBridgeWildcard(r *Result) {
	if !d.cfg.Bridge.Enabled {
		return
	}
	for _, p := range d.cfg.Bridge.Permissions {
		if strings.TrimSpace(p) == "*" {
			d.addWarning(r, "bridge", "bridge.permissions",
				fmt.Sprintf("bridge grants every command to anything that can publish on %s.send", d.cfg.Bridge.SubjectPrefix))
			return
		}
	}
	if len(d.cfg.Bridge.Permissions) == 0 {
		d.addWarning(r, "bridge", "bridge.permissions", "bridge has no permissions; every send and subscription will be denied")
	}
}

func (d *Doctor) warnIdleDevice(r *Result) {
	if len(d.cfg.Device.Rules) == 0 {
		d.addWarning(r, "device", "device.rules",
			fmt.Sprintf("device %q has no rules; sent commands get no reply", d.cfg.Device.Name))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
