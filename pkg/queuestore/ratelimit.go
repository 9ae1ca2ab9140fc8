package queuestore

import (
	"context"
	"fmt"
	"time"
)

// rate limit counter key prefixes. Each key carries a 1-hour TTL set
// on first increment, matching the "shared counter store with 1-hour
// TTL keys" design.
const (
	keyGlobalURLs     = "ratelimit:urls:global"
	keyDomainURLs     = "ratelimit:urls:domain:"
	keyHealerActions  = "ratelimit:actions:healer"
	keyLastSubmission = "ratelimit:cooldown:submission"
	keyLastAction     = "ratelimit:cooldown:action"
)

// IncrementWithTTL increments key by 1, setting an expiry of ttl only
// when the key is newly created (count goes from 0 to 1), so repeated
// increments within the window share one rolling TTL rather than
// resetting it on every call.
func (s *Store) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %q: %w", key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, fmt.Errorf("failed to set expiry on counter %q: %w", key, err)
		}
	}
	return count, nil
}

// Count returns the current value of a counter key, or 0 if unset.
func (s *Store) Count(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if err.Error() == "redis: nil" {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read counter %q: %w", key, err)
	}
	return val, nil
}

// IncrementGlobalURLCount increments the researcher's global hourly
// submission counter and returns the new count.
func (s *Store) IncrementGlobalURLCount(ctx context.Context) (int64, error) {
	return s.IncrementWithTTL(ctx, keyGlobalURLs, time.Hour)
}

// GlobalURLCount reads the current global hourly submission count.
func (s *Store) GlobalURLCount(ctx context.Context) (int64, error) {
	return s.Count(ctx, keyGlobalURLs)
}

// IncrementDomainURLCount increments the per-domain hourly submission
// counter for domain and returns the new count.
func (s *Store) IncrementDomainURLCount(ctx context.Context, domain string) (int64, error) {
	return s.IncrementWithTTL(ctx, keyDomainURLs+domain, time.Hour)
}

// DomainURLCount reads the current per-domain hourly submission count.
func (s *Store) DomainURLCount(ctx context.Context, domain string) (int64, error) {
	return s.Count(ctx, keyDomainURLs+domain)
}

// IncrementHealerActionCount increments the healer's hourly action
// counter and returns the new count.
func (s *Store) IncrementHealerActionCount(ctx context.Context) (int64, error) {
	return s.IncrementWithTTL(ctx, keyHealerActions, time.Hour)
}

// HealerActionCount reads the current hourly healer action count.
func (s *Store) HealerActionCount(ctx context.Context) (int64, error) {
	return s.Count(ctx, keyHealerActions)
}

// SetLastSubmission records the submission cooldown marker, used by
// the researcher to enforce COOLDOWN_SECONDS spacing between URL
// submissions. A non-positive ttl records no marker, so a zero
// COOLDOWN_SECONDS imposes no spacing.
func (s *Store) SetLastSubmission(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, keyLastSubmission, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set submission cooldown: %w", err)
	}
	return nil
}

// InCooldown reports whether the submission cooldown marker is still
// set (a submission happened within COOLDOWN_SECONDS).
func (s *Store) InCooldown(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, keyLastSubmission).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check submission cooldown: %w", err)
	}
	return n > 0, nil
}

// SetActionCooldown records the healer's cooldown marker, enforced
// between successive remediation actions (COOLDOWN_BETWEEN_ACTIONS).
// A non-positive ttl records no marker.
func (s *Store) SetActionCooldown(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, keyLastAction, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set action cooldown: %w", err)
	}
	return nil
}

// InActionCooldown reports whether the healer is still within its
// cooldown window since the last executed remediation action.
func (s *Store) InActionCooldown(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, keyLastAction).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check action cooldown: %w", err)
	}
	return n > 0, nil
}

// ClearActionCooldown removes the healer's action-cooldown marker
// early, the healer's clear_stale_locks action (spec.md §4.9) — the
// closest existing analogue to a lock this Redis coordination layer
// has.
func (s *Store) ClearActionCooldown(ctx context.Context) error {
	if err := s.client.Del(ctx, keyLastAction).Err(); err != nil {
		return fmt.Errorf("failed to clear action cooldown: %w", err)
	}
	return nil
}

// IdempotencyKey builds the TTL-keyed fingerprint fact used by the
// healer's idempotency safety gate.
func IdempotencyKey(fingerprint string) string {
	return "idempotency:" + fingerprint
}

// MarkSeen records a fingerprint as handled for ttl, used by the
// healer's idempotency gate to suppress duplicate remediation for the
// same alert shape.
func (s *Store) MarkSeen(ctx context.Context, fingerprint string, ttl time.Duration) error {
	if err := s.client.Set(ctx, IdempotencyKey(fingerprint), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark fingerprint seen: %w", err)
	}
	return nil
}

// Seen reports whether fingerprint was already marked within its TTL
// window.
func (s *Store) Seen(ctx context.Context, fingerprint string) (bool, error) {
	n, err := s.client.Exists(ctx, IdempotencyKey(fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	return n > 0, nil
}
