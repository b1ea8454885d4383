package sessionkeys

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/alancoin/internal/usdc"
)

// dailyWindow is the rolling period a session key's daily cap resets on.
// Unlike validateTransaction's calendar-day check, this is anchored to
// the key's own DailyResetAt rather than the wall-clock date, so a key
// created at 11pm doesn't get a fresh allowance one minute later.
const dailyWindow = 24 * time.Hour

// ValidationResult is the outcome of validating a prospective spend
// against a session key's permissions, independent of whether the spend
// is ever recorded.
type ValidationResult struct {
	IsValid              bool     `json:"isValid"`
	Errors               []string `json:"errors,omitempty"`
	RemainingDailyAmount string   `json:"remainingDailyAmount,omitempty"`
}

// DelegationMessage is returned to the caller of Create so the owner can
// countersign proof that they authorized this session key.
type DelegationMessage struct {
	SessionID     string `json:"sessionId"`
	PublicAddress string `json:"publicAddress"`
	Message       string `json:"message"`
}

// CreateSession generates a session key's ECDSA keypair server-side,
// encrypts the private key with a secret derived from userSignature,
// and persists the key through the existing Manager.Create path (which
// owns permission validation, defaulting, and the Store.Create call —
// unchanged, and still used directly by flows where the caller
// supplies its own public key). It returns the created key (with
// EncryptedPrivateKey populated — the only path that ever sets it) and
// a message for the owner to countersign.
func (m *Manager) CreateSession(ctx context.Context, userID string, ownerAddr string, req *SessionKeyRequest, userSignature string) (*SessionKey, *DelegationMessage, error) {
	privKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate session keypair: %w", err)
	}
	publicAddr := crypto.PubkeyToAddress(privKey.PublicKey).Hex()
	privateKeyHex := fmt.Sprintf("%x", crypto.FromECDSA(privKey))

	req.PublicKey = publicAddr
	key, err := m.Create(ctx, ownerAddr, req)
	if err != nil {
		return nil, nil, err
	}

	key.UserID = userID
	if userSignature != "" {
		encrypted, err := encryptPrivateKey(privateKeyHex, userSignature)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt session private key: %w", err)
		}
		key.EncryptedPrivateKey = encrypted
	}
	if err := m.store.Update(ctx, key); err != nil {
		return nil, nil, fmt.Errorf("failed to persist session key metadata: %w", err)
	}

	msg := &DelegationMessage{
		SessionID:     key.ID,
		PublicAddress: publicAddr,
		Message:       CreateSessionMessage(key.ID, publicAddr, time.Now().Unix()),
	}
	return key, msg, nil
}

// ValidateOp checks whether a session key may perform the given
// operation for amount to toAddress, without recording any usage. It
// layers the Operation and EmergencyStop checks on top of the existing
// permission checks and reports the amount still available in the
// key's current rolling daily window.
func (m *Manager) ValidateOp(ctx context.Context, keyID, operation, amount, toAddress string) (*ValidationResult, error) {
	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return nil, ErrKeyNotFound
	}

	var errs []string

	if key.Permission.EmergencyStop {
		errs = append(errs, ErrEmergencyStop.Message)
	}
	if key.Permission.Operation != "" && operation != "" && key.Permission.Operation != Operation(operation) {
		errs = append(errs, fmt.Sprintf("operation %q is not permitted for this key", operation))
	}
	if key.ParentKeyID != "" {
		if err := m.ValidateAncestorChain(ctx, key, amount); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := m.validateTransaction(ctx, key, toAddress, amount, ""); err != nil {
		errs = append(errs, err.Error())
	}

	remaining := remainingDailyAmount(key)
	valid := len(errs) == 0

	if valid {
		m.logSessionEvent(ctx, keyID, SessionEventUsed, SeverityInfo, map[string]interface{}{
			"operation": operation,
			"amount":    amount,
			"toAddress": toAddress,
		})
	} else {
		m.logSessionEvent(ctx, keyID, SessionEventSecurityAlert, SeverityWarning, map[string]interface{}{
			"operation": operation,
			"amount":    amount,
			"toAddress": toAddress,
			"errors":    errs,
		})
	}

	return &ValidationResult{
		IsValid:              valid,
		Errors:                errs,
		RemainingDailyAmount: remaining,
	}, nil
}

// remainingDailyAmount computes the spend still available under the
// key's MaxPerDay cap for the current rolling window, without mutating
// the key.
func remainingDailyAmount(key *SessionKey) string {
	if key.Permission.MaxPerDay == "" {
		return ""
	}
	maxDaily, ok := usdc.Parse(key.Permission.MaxPerDay)
	if !ok {
		return ""
	}

	spentToday := key.Usage.SpentToday
	if time.Since(key.Usage.DailyResetAt) >= dailyWindow {
		spentToday = "0"
	}
	spent, _ := usdc.Parse(spentToday)
	remaining := new(big.Int).Sub(maxDaily, spent)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	return usdc.Format(remaining)
}

// RecordSpend records a successful spend against a session key using the
// rolling 24h daily window (DailyResetAt), re-validating the daily cap
// under lock rather than trusting the caller's earlier ValidateOp call
// — two concurrent transactions can both pass validation against the
// same remaining budget, so the cap is enforced again here, atomically
// with the update. txHash is recorded for audit purposes but does not
// participate in replay protection the way ValidateSigned's nonce does.
func (m *Manager) RecordSpend(ctx context.Context, keyID, amount, toAddress, txHash string) error {
	unlock := m.LockKey(keyID)
	defer unlock()

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return err
	}

	amountBig, ok := usdc.Parse(amount)
	if !ok {
		return &ValidationError{Code: "invalid_amount", Message: "Invalid amount format"}
	}

	now := time.Now()
	if now.Sub(key.Usage.DailyResetAt) >= dailyWindow {
		key.Usage.SpentToday = "0"
		key.Usage.DailyResetAt = now
		key.Usage.LastResetDay = now.Format("2006-01-02")
	}

	spentToday, _ := usdc.Parse(key.Usage.SpentToday)
	newDaily := new(big.Int).Add(spentToday, amountBig)

	if key.Permission.MaxPerDay != "" {
		maxDaily, ok := usdc.Parse(key.Permission.MaxPerDay)
		if ok && newDaily.Cmp(maxDaily) > 0 {
			return ErrExceedsDaily
		}
	}

	totalSpent, _ := usdc.Parse(key.Usage.TotalSpent)
	newTotal := new(big.Int).Add(totalSpent, amountBig)
	if key.Permission.MaxTotal != "" {
		maxTotal, ok := usdc.Parse(key.Permission.MaxTotal)
		if ok && newTotal.Cmp(maxTotal) > 0 {
			return ErrExceedsTotal
		}
	}

	key.Usage.SpentToday = usdc.Format(newDaily)
	key.Usage.TotalSpent = usdc.Format(newTotal)
	key.Usage.TransactionCount++
	key.Usage.LastUsed = now
	key.Usage.LastTxHash = txHash

	if err := m.store.Update(ctx, key); err != nil {
		return err
	}

	if m.policyStore != nil {
		recordPolicyUsage(ctx, m.policyStore, keyID)
	}

	if m.txLog != nil {
		_ = m.txLog.Record(ctx, &SessionTransaction{
			SessionKeyID: keyID,
			Amount:       amount,
			ToAddress:    toAddress,
			TxHash:       txHash,
			CreatedAt:    now,
		})
	}

	return nil
}

// CleanupExpired transitions every active-but-lapsed session key to
// expired and returns how many were changed. The Session Monitor's
// sweep already does this per-key as it goes, so this exists for
// callers (an admin endpoint, a one-off maintenance task) that want the
// same effect on demand without waiting for the next sweep.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	count := 0
	for _, key := range keys {
		if key.Status != StatusActive || !now.After(key.Permission.ExpiresAt) {
			continue
		}
		unlock := m.LockKey(key.ID)
		key.Status = StatusExpired
		err := m.store.Update(ctx, key)
		unlock()
		if err != nil {
			continue
		}
		m.logSessionEvent(ctx, key.ID, SessionEventExpired, SeverityInfo, nil)
		count++
	}
	return count, nil
}
