// Package chats manages persistent chat sessions: reuse, rotation, the
// one-time start text that establishes a chat, and manual locks.
package chats

import (
	"context"
	"fmt"
	"time"

	"chatpool/internal/ledger"
	"chatpool/internal/models"
	"chatpool/internal/upstream"
)

// BlockedError means a pinned chat is disabled, guest, or archived and
// must not serve requests.
type BlockedError struct {
	PageURL string
	Reason  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("chats: chat %s is blocked: %s", e.PageURL, e.Reason)
}

type Manager struct {
	store *ledger.Store
}

func New(store *ledger.Store) *Manager { return &Manager{store: store} }

// Resolve returns the session the attempt should use. The latest usable
// session under the cap is reused; otherwise a fresh one rotates in.
func (m *Manager) Resolve(key ledger.SessionKey, forceNew bool, maxUses int) (*models.ChatSession, error) {
	if !forceNew {
		sess, err := m.store.LatestSession(key)
		if err != nil {
			return nil, err
		}
		if sess != nil && sess.Usable() && sess.UsesCount < maxUses {
			return sess, nil
		}
	}
	return m.store.CreateSession(key)
}

// ResolvePinned validates an operator-pinned chat URL against the ledger.
func (m *Manager) ResolvePinned(chatURL string) (*models.ChatSession, error) {
	sess, err := m.store.SessionByURL(chatURL)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ledger.ErrUnknownChatURL
	}
	if !sess.Usable() {
		reason := "disabled"
		if sess.Blocked() {
			reason = "guest or archived"
		}
		return nil, &BlockedError{PageURL: chatURL, Reason: reason}
	}
	return sess, nil
}

// EnsureLoaded establishes the chat on the worker if the session has no
// chat id yet, by sending the prompt's start text exactly once. The returned
// outcome carries the worker's verdict; a non-nil error is a ledger failure.
func (m *Manager) EnsureLoaded(ctx context.Context, client *upstream.Client, sess *models.ChatSession, startText string, opts upstream.CallOpts) (upstream.Outcome, error) {
	if sess.ChatID != nil && *sess.ChatID != "" {
		return upstream.Outcome{Kind: upstream.KindOK}, nil
	}
	if startText == "" {
		return upstream.Outcome{Kind: upstream.KindOK}, nil
	}

	opts.PageURL = sess.PageURL
	out := client.AnalyzeText(ctx, startText, opts)
	if !out.OK() {
		return out, nil
	}
	if err := m.AbsorbPageURL(sess, out.PageURL()); err != nil {
		return out, err
	}
	return out, nil
}

// AbsorbPageURL learns the chat id from a worker-reported page URL for a
// session that has none yet.
func (m *Manager) AbsorbPageURL(sess *models.ChatSession, pageURL string) error {
	if sess.ChatID != nil && *sess.ChatID != "" {
		return nil
	}
	if pageURL == "" {
		return nil
	}
	chatID := upstream.ParseChatID(pageURL)
	if chatID == "" {
		return nil
	}
	if err := m.store.SetSessionChat(sess.ID, chatID, pageURL); err != nil {
		return err
	}
	sess.ChatID = &chatID
	sess.PageURL = pageURL
	return nil
}

// Lock places or refreshes a manual lock on a chat URL.
func (m *Manager) Lock(chatURL, lockedBy string, ttl time.Duration) (*models.ChatSession, error) {
	return m.store.LockByURL(chatURL, lockedBy, ttl)
}

// Unlock releases a manual lock, enforcing ownership.
func (m *Manager) Unlock(chatURL, lockedBy string) error {
	return m.store.UnlockByURL(chatURL, lockedBy)
}
