// SPDX-License-Identifier: MIT

package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalstonhq/dalston/internal/audit"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

func setupResolver(t *testing.T) (*store.Store, *Resolver) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "dalston.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, NewResolver(st, audit.NewLogger(st))
}

func TestGet_ResolutionChain(t *testing.T) {
	_, r := setupResolver(t)
	ctx := context.Background()
	const envKey = "DALSTON_TEST_ENGINE_UNAVAILABLE"

	// Nothing set anywhere: the code default wins.
	got := r.Get(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineUnavailableBehavior, envKey, "fail_fast")
	assert.Equal(t, "fail_fast", got)

	// Env layer beats the code default.
	t.Setenv(envKey, "wait")
	r2 := setupFresh(t)
	got = r2.Get(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineUnavailableBehavior, envKey, "fail_fast")
	assert.Equal(t, "wait", got)

	// System override beats the env var.
	require.NoError(t, r2.Set(ctx, "", NamespaceOrchestrator, KeyEngineUnavailableBehavior, "fail_fast", "admin"))
	got = r2.Get(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineUnavailableBehavior, envKey, "wait")
	assert.Equal(t, "fail_fast", got)

	// Tenant override beats everything.
	require.NoError(t, r2.Set(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineUnavailableBehavior, "wait", "admin"))
	got = r2.Get(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineUnavailableBehavior, envKey, "fail_fast")
	assert.Equal(t, "wait", got)

	// Other tenants still resolve the system layer.
	got = r2.Get(ctx, "other-tenant", NamespaceOrchestrator, KeyEngineUnavailableBehavior, envKey, "wait")
	assert.Equal(t, "fail_fast", got)
}

func setupFresh(t *testing.T) *Resolver {
	t.Helper()
	_, r := setupResolver(t)
	return r
}

func TestSetAndUnset_InvalidateCache(t *testing.T) {
	_, r := setupResolver(t)
	ctx := context.Background()

	got := r.Get(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineUnavailableBehavior, "", "fail_fast")
	assert.Equal(t, "fail_fast", got)

	// The miss is cached, but a write through the resolver invalidates it.
	require.NoError(t, r.Set(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineUnavailableBehavior, "wait", "admin"))
	got = r.Get(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineUnavailableBehavior, "", "fail_fast")
	assert.Equal(t, "wait", got)

	require.NoError(t, r.Unset(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineUnavailableBehavior, "admin"))
	got = r.Get(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineUnavailableBehavior, "", "fail_fast")
	assert.Equal(t, "fail_fast", got)
}

func TestSet_WritesAuditTrail(t *testing.T) {
	st, r := setupResolver(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "", NamespaceOrchestrator, KeyEngineUnavailableBehavior, "wait", "admin@example.com"))

	entries, err := st.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, string(audit.EventSettingChanged), entries[0].Type)
	assert.Equal(t, "admin@example.com", entries[0].Actor)
	assert.Contains(t, entries[0].Action, KeyEngineUnavailableBehavior)
}

func TestGetBool(t *testing.T) {
	_, r := setupResolver(t)
	ctx := context.Background()

	assert.True(t, r.GetBool(ctx, "", "gateway", "resume_enabled", "", true))

	require.NoError(t, r.Set(ctx, "", "gateway", "resume_enabled", "false", "admin"))
	assert.False(t, r.GetBool(ctx, "", "gateway", "resume_enabled", "", true))

	// Garbage values fall back.
	require.NoError(t, r.Set(ctx, "", "gateway", "resume_enabled", "banana", "admin"))
	assert.True(t, r.GetBool(ctx, "", "gateway", "resume_enabled", "", true))
}
