// SPDX-License-Identifier: MIT

// Package settings resolves runtime-tunable configuration through a layered
// chain: tenant override, system override, environment default, code
// default. Reads are cached briefly so hot paths do not hit the database on
// every call; writes through this package invalidate the cache immediately,
// other writers converge within the TTL.
package settings

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/audit"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/store"
)

// Well-known namespaces and keys.
const (
	NamespaceOrchestrator = "orchestrator"

	KeyEngineUnavailableBehavior = "engine_unavailable_behavior"
)

const cacheTTL = 5 * time.Second

type cacheEntry struct {
	value   string
	ok      bool
	expires time.Time
}

// Resolver answers layered setting lookups.
type Resolver struct {
	store *store.Store
	audit *audit.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	logger zerolog.Logger
}

func NewResolver(st *store.Store, auditLog *audit.Logger) *Resolver {
	return &Resolver{
		store:  st,
		audit:  auditLog,
		cache:  make(map[string]cacheEntry),
		logger: log.WithComponent("settings"),
	}
}

// Get resolves one setting. envKey names the environment fallback consulted
// between the database layers and the code default; pass "" to skip it.
func (r *Resolver) Get(ctx context.Context, tenantID, namespace, key, envKey, fallback string) string {
	ck := tenantID + "\x00" + namespace + "\x00" + key
	r.mu.Lock()
	if e, ok := r.cache[ck]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		if e.ok {
			return e.value
		}
		return envOrDefault(envKey, fallback)
	}
	r.mu.Unlock()

	var value string
	var found bool
	row, err := r.store.GetSetting(ctx, namespace, key, tenantID)
	if err != nil {
		// Fail toward the static layers rather than erroring the caller.
		r.logger.Warn().Err(err).Str("namespace", namespace).Str("key", key).Msg("setting lookup failed")
	} else if row != nil {
		value, found = row.Value, true
	}

	r.mu.Lock()
	r.cache[ck] = cacheEntry{value: value, ok: found, expires: time.Now().Add(cacheTTL)}
	r.mu.Unlock()

	if found {
		return value
	}
	return envOrDefault(envKey, fallback)
}

// GetBool is Get with boolean parsing; unparsable values fall through to the
// fallback.
func (r *Resolver) GetBool(ctx context.Context, tenantID, namespace, key, envKey string, fallback bool) bool {
	raw := r.Get(ctx, tenantID, namespace, key, envKey, strconv.FormatBool(fallback))
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}

// Set writes an override at tenant scope, or system scope when tenantID is
// empty, and invalidates the cache.
func (r *Resolver) Set(ctx context.Context, tenantID, namespace, key, value, actor string) error {
	if err := r.store.SetSetting(ctx, namespace, key, tenantID, value); err != nil {
		return err
	}
	r.invalidate(namespace, key)
	r.audit.Log(ctx, audit.Event{
		Type:     audit.EventSettingChanged,
		TenantID: tenantID,
		Actor:    actor,
		Action:   "set " + namespace + "." + key,
		Resource: namespace + "." + key,
		Result:   "success",
	})
	return nil
}

// Unset removes an override, restoring the next layer down.
func (r *Resolver) Unset(ctx context.Context, tenantID, namespace, key, actor string) error {
	if err := r.store.DeleteSetting(ctx, namespace, key, tenantID); err != nil {
		return err
	}
	r.invalidate(namespace, key)
	r.audit.Log(ctx, audit.Event{
		Type:     audit.EventSettingChanged,
		TenantID: tenantID,
		Actor:    actor,
		Action:   "unset " + namespace + "." + key,
		Resource: namespace + "." + key,
		Result:   "success",
	})
	return nil
}

// invalidate drops every tenant's cached entry for the key. System-level
// writes affect all tenants, so a full key sweep is the simple safe choice.
func (r *Resolver) invalidate(namespace, key string) {
	suffix := "\x00" + namespace + "\x00" + key
	r.mu.Lock()
	for ck := range r.cache {
		if len(ck) >= len(suffix) && ck[len(ck)-len(suffix):] == suffix {
			delete(r.cache, ck)
		}
	}
	r.mu.Unlock()
}

func envOrDefault(envKey, fallback string) string {
	if envKey == "" {
		return fallback
	}
	if v, ok := os.LookupEnv(envKey); ok && v != "" {
		return v
	}
	return fallback
}
