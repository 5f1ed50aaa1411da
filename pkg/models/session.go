// Package models contains domain models for kode-acp.
package models

import (
	"time"
)

// SessionMode selects the permission policy bundle a session runs under.
type SessionMode string

const (
	ModeDefault           SessionMode = "default"
	ModeAcceptEdits       SessionMode = "accept_edits"
	ModeBypassPermissions SessionMode = "bypass_permissions"
	ModePlan              SessionMode = "plan"
)

// AllModes lists the built-in session modes in declaration order.
var AllModes = []SessionMode{ModeDefault, ModeAcceptEdits, ModeBypassPermissions, ModePlan}

// Valid reports whether m is one of the built-in modes.
func (m SessionMode) Valid() bool {
	for _, known := range AllModes {
		if m == known {
			return true
		}
	}
	return false
}

// PermissionMode is the coarse safety switch of a session.
type PermissionMode string

const (
	PermissionSafe PermissionMode = "safe"
	PermissionYolo PermissionMode = "yolo"
)

// Valid reports whether p is a known permission mode.
func (p PermissionMode) Valid() bool {
	return p == PermissionSafe || p == PermissionYolo
}

// Session is one logical conversation tracked by the session store.
type Session struct {
	CreatedAt        time.Time
	LastActivity     time.Time
	Metadata         map[string]interface{}
	ID               string
	Mode             SessionMode
	WorkingDirectory string
	PermissionMode   PermissionMode
	ToolCallCount    int64
	IsActive         bool
	Cancelled        bool
}

// Clone returns a deep copy of the session. Metadata values are copied
// shallowly, the map itself is new.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Metadata = cloneMetadata(s.Metadata)
	return &out
}

// SessionConfig carries the optional fields accepted on creation.
type SessionConfig struct {
	Metadata         map[string]interface{}
	ID               string
	Mode             SessionMode
	WorkingDirectory string
	PermissionMode   PermissionMode
}

// SessionUpdate is a partial update; nil fields are left untouched.
type SessionUpdate struct {
	Mode             *SessionMode
	WorkingDirectory *string
	PermissionMode   *PermissionMode
	Metadata         map[string]interface{}
}

// SessionSnapshot is the serializable form of a session produced by export.
type SessionSnapshot struct {
	Metadata         map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	ID               string                 `json:"id" yaml:"id"`
	Mode             SessionMode            `json:"mode" yaml:"mode"`
	WorkingDirectory string                 `json:"workingDirectory" yaml:"workingDirectory"`
	PermissionMode   PermissionMode         `json:"permissionMode" yaml:"permissionMode"`
	CreatedAt        int64                  `json:"createdAt" yaml:"createdAt"`
	LastActivity     int64                  `json:"lastActivity" yaml:"lastActivity"`
	ToolCallCount    int64                  `json:"toolCallCount" yaml:"toolCallCount"`
	IsActive         bool                   `json:"isActive" yaml:"isActive"`
}

func cloneMetadata(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
