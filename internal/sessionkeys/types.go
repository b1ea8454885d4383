// Package sessionkeys implements bounded autonomy for AI agents.
//
// Session keys are ECDSA keypairs with bounded permissions:
// - Agent generates keypair, registers public key with permissions
// - To transact, agent signs request with session private key
// - Server verifies signature + validates permissions
// - Cryptographic proof of session key possession
//
// This enables: "My agent can spend up to $10/day on translation services,
// proves it controls the session key by signing, and I can revoke instantly."
package sessionkeys

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Operation identifies what kind of action a Permission governs. A
// SessionKey may hold at most one Permission per Operation.
type Operation string

const DefaultOperation Operation = "send"

// Permission defines what a session key is allowed to do for one operation.
type Permission struct {
	// Operation this permission governs. Empty is treated as DefaultOperation.
	Operation Operation `json:"operation,omitempty"`

	// Spending limits (in USDC, as string for precision)
	MaxPerTransaction string `json:"maxPerTransaction,omitempty"` // e.g., "1.00"
	MaxPerDay         string `json:"maxPerDay,omitempty"`         // e.g., "10.00"
	MaxTotal          string `json:"maxTotal,omitempty"`          // e.g., "100.00"

	// Time bounds
	ValidAfter time.Time `json:"validAfter,omitempty"` // Not valid before this time
	ExpiresAt  time.Time `json:"expiresAt"`            // Required: when the key expires

	// Recipient restrictions (at least one must be set)
	AllowedRecipients    []string `json:"allowedRecipients,omitempty"`    // Specific addresses (aka allowedContracts)
	AllowedServiceTypes  []string `json:"allowedServiceTypes,omitempty"`  // e.g., ["translation", "inference"]
	AllowedServiceAgents []string `json:"allowedServiceAgents,omitempty"` // Agents offering services
	AllowAny             bool     `json:"allowAny,omitempty"`             // If true, no recipient restrictions

	// Behavioral flags
	RequireConfirmation bool `json:"requireConfirmation,omitempty"` // Caller must countersign before use
	EmergencyStop       bool `json:"emergencyStop,omitempty"`       // Hard-disables this permission regardless of caps

	// Delegation scopes this permission carries (subset-narrowed on delegation).
	Scopes []string `json:"scopes,omitempty"`

	// Metadata
	Label string `json:"label,omitempty"` // Human-readable label, e.g., "Translation budget Q1"
}

// DefaultScopes is assigned to a session key when none are requested.
var DefaultScopes = []string{"spend", "read"}

// ValidScopes is the set of recognized delegation scopes.
var ValidScopes = map[string]bool{
	"spend":    true,
	"read":     true,
	"delegate": true,
	"streams":  true,
	"escrow":   true,
}

// KeyStatus is the lifecycle state of a SessionKey.
type KeyStatus string

const (
	StatusActive  KeyStatus = "active"
	StatusPaused  KeyStatus = "paused"
	StatusRevoked KeyStatus = "revoked"
	StatusExpired KeyStatus = "expired"
)

// SessionKey represents an active session key with its permissions.
//
// Fields below the Usage block support delegation trees: a session key may
// delegate a child key whose Permission is a strict subset of its own
// remaining budget and scopes (see Manager.CreateDelegated).
type SessionKey struct {
	ID            string `json:"id"`            // Unique identifier
	UserID        string `json:"userId"`        // Application-level user that owns this key
	ChainID       int64  `json:"chainId"`       // Chain this key transacts on
	OwnerAddr     string `json:"ownerAddr"`     // The smart-wallet/agent address that owns this key
	ParentAddress string `json:"parentAddress"` // EOA that authorized the delegation, if any
	PublicKey     string `json:"publicKey"`     // The session key's Ethereum address (derived from ECDSA pubkey)

	// EncryptedPrivateKey holds the session key's private key, encrypted
	// with a secret derived from the owner's signature (see encryption.go).
	// PostgresStore's read paths (Get/List) never scan it; MemoryStore's
	// read paths return it as stored.
	EncryptedPrivateKey string `json:"-"`

	SecurityLevel string `json:"securityLevel,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"` // If set, key is revoked

	// Status mirrors IsActive()/expiry/pause state as an explicit,
	// persisted field so the monitor can transition it independently of
	// a live IsActive() computation.
	Status KeyStatus `json:"status"`
	// PausedUntil is set when Status == StatusPaused; the monitor
	// re-derives re-activation from this persisted deadline rather than
	// an in-memory timer, so a process restart loses no pending resume.
	PausedUntil *time.Time `json:"pausedUntil,omitempty"`

	// The permission granted to this key. The corpus models a single
	// governing permission per key; see DESIGN.md for why this
	// satisfies the "one Permission per operation" invariant without a
	// full operation->Permission map.
	Permission Permission `json:"permission"`

	// Usage tracking
	Usage SessionKeyUsage `json:"usage"`

	// Delegation tree
	ParentKeyID      string     `json:"parentKeyId,omitempty"`
	Depth            int        `json:"depth"`
	RootKeyID        string     `json:"rootKeyId,omitempty"`
	DelegationLabel  string     `json:"delegationLabel,omitempty"`
	RotatedFromID    string     `json:"rotatedFromId,omitempty"`
	RotatedToID      string     `json:"rotatedToId,omitempty"`
	RotationGraceEnd *time.Time `json:"rotationGraceEnd,omitempty"`
}

// SessionKeyUsage tracks how much the key has been used.
type SessionKeyUsage struct {
	TransactionCount int    `json:"transactionCount"`
	TotalSpent       string `json:"totalSpent"` // Total USDC spent (mirrors SessionKey.totalUsed)
	SpentToday       string `json:"spentToday"` // USDC spent within the current rolling daily window

	// DailyResetAt anchors the rolling 24h window (spec.md requires a
	// rolling window, not a calendar-day reset: advanced only when
	// now - DailyResetAt >= 24h).
	DailyResetAt time.Time `json:"dailyResetAt"`

	LastUsed     time.Time `json:"lastUsed,omitempty"`
	LastResetDay string    `json:"lastResetDay,omitempty"` // Retained for legacy display only; DailyResetAt governs resets
	LastNonce    uint64    `json:"lastNonce"`              // Last used nonce (replay protection)
	LastTxHash   string    `json:"lastTxHash,omitempty"`   // Recorded for audit; unsigned spends have no nonce to key on
}

// SessionKeyRequest is the payload for creating a new session key
type SessionKeyRequest struct {
	// The session key's public key (Ethereum address)
	// Client generates ECDSA keypair, sends the address here
	PublicKey string `json:"publicKey" binding:"required"`

	// Permission configuration
	MaxPerTransaction   string   `json:"maxPerTransaction,omitempty"`
	MaxPerDay           string   `json:"maxPerDay,omitempty"`
	MaxTotal            string   `json:"maxTotal,omitempty"`
	ExpiresIn           string   `json:"expiresIn,omitempty"` // Duration string, e.g., "24h", "7d"
	ExpiresAt           string   `json:"expiresAt,omitempty"` // Or exact timestamp
	AllowedRecipients   []string `json:"allowedRecipients,omitempty"`
	AllowedServiceTypes []string `json:"allowedServiceTypes,omitempty"`
	AllowAny            bool     `json:"allowAny,omitempty"`
	Label               string   `json:"label,omitempty"`
	Scopes              []string `json:"scopes,omitempty"`
}

// DelegateRequest is a signed request by a parent session key to create a
// narrower child key.
type DelegateRequest struct {
	PublicKey           string   `json:"publicKey" binding:"required"`
	MaxPerTransaction   string   `json:"maxPerTransaction,omitempty"`
	MaxPerDay           string   `json:"maxPerDay,omitempty"`
	MaxTotal            string   `json:"maxTotal" binding:"required"`
	ExpiresIn           string   `json:"expiresIn,omitempty"`
	AllowedRecipients   []string `json:"allowedRecipients,omitempty"`
	AllowedServiceTypes []string `json:"allowedServiceTypes,omitempty"`
	AllowAny            bool     `json:"allowAny,omitempty"`
	DelegationLabel     string   `json:"label,omitempty"`
	Scopes              []string `json:"scopes,omitempty"`

	// Cryptographic proof that the parent key authorized this delegation.
	Nonce     uint64 `json:"nonce" binding:"required"`
	Timestamp int64  `json:"timestamp" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// DelegationLogEntry is one row of the delegation audit trail.
type DelegationLogEntry struct {
	ID            int       `json:"id"`
	ParentKeyID   string    `json:"parentKeyId"`
	ChildKeyID    string    `json:"childKeyId"`
	RootKeyID     string    `json:"rootKeyId"`
	RootOwnerAddr string    `json:"rootOwnerAddr"`
	Depth         int       `json:"depth"`
	MaxTotal      string    `json:"maxTotal,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	EventType     string    `json:"eventType"` // "created", "rotated", "revoked"
	AncestorChain []string  `json:"ancestorChain,omitempty"`
	Metadata      string    `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Delegation audit event types.
const (
	DelegationEventCreate        = "created"
	DelegationEventRevoke        = "revoked"
	DelegationEventCascadeRevoke = "cascade_revoked"
	DelegationEventRotate        = "rotated"
	DelegationEventBudgetExceed  = "budget_exceeded"
)

// SignedTransactRequest is a cryptographically signed transaction request
type SignedTransactRequest struct {
	// Transaction details
	To        string `json:"to" binding:"required"`     // Recipient address
	Amount    string `json:"amount" binding:"required"` // USDC amount
	ServiceID string `json:"serviceId,omitempty"`       // Optional: service being paid for

	// Cryptographic proof
	Nonce     uint64 `json:"nonce" binding:"required"`     // Unique per transaction (replay protection)
	Timestamp int64  `json:"timestamp" binding:"required"` // Unix timestamp (freshness)
	Signature string `json:"signature" binding:"required"` // Hex-encoded ECDSA signature

	// Note: SessionKeyID comes from URL parameter
}

// TransactRequest is a request to make a transaction using a session key
// DEPRECATED: Use SignedTransactRequest for cryptographic verification
type TransactRequest struct {
	SessionKeyID string `json:"sessionKeyId" binding:"required"`
	To           string `json:"to" binding:"required"`     // Recipient address
	Amount       string `json:"amount" binding:"required"` // USDC amount
	ServiceID    string `json:"serviceId,omitempty"`       // Optional: service being paid for
	Memo         string `json:"memo,omitempty"`            // Optional: transaction memo
}

// TransactResponse is the response from a session key transaction
type TransactResponse struct {
	TxHash       string    `json:"txHash"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Amount       string    `json:"amount"`
	SessionKeyID string    `json:"sessionKeyId"`
	Timestamp    time.Time `json:"timestamp"`
}

// ValidationError represents a specific validation failure
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Common validation errors
var (
	ErrKeyNotFound            = &ValidationError{Code: "key_not_found", Message: "Session key not found"}
	ErrKeyRevoked             = &ValidationError{Code: "key_revoked", Message: "Session key has been revoked"}
	ErrKeyExpired             = &ValidationError{Code: "key_expired", Message: "Session key has expired"}
	ErrKeyNotYetValid         = &ValidationError{Code: "key_not_yet_valid", Message: "Session key is not yet valid"}
	ErrExceedsPerTx           = &ValidationError{Code: "exceeds_per_tx", Message: "Amount exceeds per-transaction limit"}
	ErrExceedsDaily           = &ValidationError{Code: "exceeds_daily", Message: "Amount exceeds daily spending limit"}
	ErrExceedsTotal           = &ValidationError{Code: "exceeds_total", Message: "Amount exceeds total spending limit"}
	ErrRecipientNotAllowed    = &ValidationError{Code: "recipient_not_allowed", Message: "Recipient is not in allowed list"}
	ErrServiceTypeNotAllowed  = &ValidationError{Code: "service_type_not_allowed", Message: "Service type is not allowed"}
	ErrInvalidSignature       = &ValidationError{Code: "invalid_signature", Message: "Invalid or malformed signature"}
	ErrSignatureMismatch      = &ValidationError{Code: "signature_mismatch", Message: "Signature does not match session key"}
	ErrNonceReused            = &ValidationError{Code: "nonce_reused", Message: "Nonce has already been used"}
	ErrSignatureExpired       = &ValidationError{Code: "signature_expired", Message: "Signature timestamp is too old"}
	ErrInvalidPublicKey       = &ValidationError{Code: "invalid_public_key", Message: "Invalid public key format"}
	ErrParentNotActive        = &ValidationError{Code: "parent_not_active", Message: "Parent session key is not active"}
	ErrInvalidScope           = &ValidationError{Code: "invalid_scope", Message: "Unrecognized delegation scope"}
	ErrEmergencyStop          = &ValidationError{Code: "emergency_stop", Message: "Permission has emergency stop engaged"}
	ErrScopeNotAllowed        = &ValidationError{Code: "scope_not_allowed", Message: "Session key lacks the required scope"}
	ErrMaxDepthExceeded       = &ValidationError{Code: "max_depth_exceeded", Message: "Delegation chain has reached its maximum depth"}
	ErrChildExceedsParent     = &ValidationError{Code: "child_exceeds_parent", Message: "Delegated budget exceeds parent's remaining budget"}
	ErrChildServiceNotAllowed = &ValidationError{Code: "child_service_not_allowed", Message: "Delegated service types are not a subset of the parent's"}
	ErrChildScopeNotAllowed   = &ValidationError{Code: "child_scope_not_allowed", Message: "Delegated scope is not a subset of the parent's"}
	ErrKeyAlreadyRotated      = &ValidationError{Code: "key_already_rotated", Message: "Session key has already been rotated"}
	ErrAncestorInvalid        = &ValidationError{Code: "ancestor_invalid", Message: "An ancestor in the delegation chain is no longer active or has insufficient budget"}
)

// GenerateID creates a random session key ID
func GenerateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return "sk_" + hex.EncodeToString(b)
}

// IsActive returns true if the session key is currently valid
func (sk *SessionKey) IsActive() bool {
	now := time.Now()

	// Check if revoked
	if sk.RevokedAt != nil {
		return false
	}
	if sk.Status == StatusPaused || sk.Status == StatusRevoked || sk.Status == StatusExpired {
		return false
	}

	// Check expiration
	if now.After(sk.Permission.ExpiresAt) {
		return false
	}

	// Check valid after
	if !sk.Permission.ValidAfter.IsZero() && now.Before(sk.Permission.ValidAfter) {
		return false
	}

	// A rotated-away key stays usable only until its grace period ends
	if sk.RotationGraceEnd != nil && now.After(*sk.RotationGraceEnd) {
		return false
	}

	return true
}

// HasScope reports whether the key's permission grants scope. A key with
// no explicit scopes has DefaultScopes.
func (sk *SessionKey) HasScope(scope string) bool {
	scopes := sk.Permission.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
