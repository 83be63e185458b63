package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/keyforge/internal/config"
	"github.com/BradenHooton/keyforge/internal/models"
	"github.com/BradenHooton/keyforge/pkg/hwid"
)

const (
	fpDesktop = "DESKTOP-1234-ABCD"
	fpLaptop  = "LAPTOP-5678-EFGH"
)

func testHWIDConfig() config.HWIDConfig {
	return config.HWIDConfig{
		MinLength:           10,
		MaxLength:           255,
		Charset:             `^[A-Za-z0-9_-]+$`,
		LockAfterRedemption: true,
	}
}

func newTestHWIDService(t *testing.T, cfg config.HWIDConfig) (*HWIDService, *RecordingAuditor) {
	t.Helper()
	audit := &RecordingAuditor{}
	svc, err := NewHWIDService(newMemoryBindingRepo(), cfg, time.Second, audit, discardLogger(), nil)
	require.NoError(t, err)
	return svc, audit
}

func TestHWIDService_FirstBindCreatesLockedBinding(t *testing.T) {
	svc, audit := newTestHWIDService(t, testHWIDConfig())

	res, err := svc.Bind(context.Background(), "sub-1", fpDesktop, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Changed)
	assert.True(t, res.Binding.Locked)
	assert.Equal(t, fpDesktop, res.Binding.Fingerprint)

	assert.Equal(t, []models.AuditAction{models.AuditKeyRedeemed, models.AuditHWIDBound}, audit.Actions())
}

func TestHWIDService_RebindSameFingerprintIsIdempotent(t *testing.T) {
	svc, _ := newTestHWIDService(t, testHWIDConfig())
	ctx := context.Background()

	_, err := svc.Bind(ctx, "sub-1", fpDesktop, "user-1")
	require.NoError(t, err)

	res, err := svc.Bind(ctx, "sub-1", fpDesktop, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.False(t, res.Changed)
}

func TestHWIDService_LockedBindingRejectsOtherDevice(t *testing.T) {
	svc, audit := newTestHWIDService(t, testHWIDConfig())
	ctx := context.Background()

	_, err := svc.Bind(ctx, "sub-1", fpDesktop, "user-1")
	require.NoError(t, err)

	_, err = svc.Bind(ctx, "sub-1", fpLaptop, "user-1")
	require.ErrorIs(t, err, models.ErrHWIDAlreadyLocked)
	assert.Contains(t, audit.Actions(), models.AuditHWIDRejected)

	ok, err := svc.Verify(ctx, "sub-1", fpDesktop)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHWIDService_UpdateAllowedOnlyWhenUnlocked(t *testing.T) {
	cfg := testHWIDConfig()
	cfg.AllowUpdate = true
	svc, _ := newTestHWIDService(t, cfg)
	ctx := context.Background()

	_, err := svc.Bind(ctx, "sub-1", fpDesktop, "user-1")
	require.NoError(t, err)
	_, err = svc.Bind(ctx, "sub-1", fpLaptop, "user-1")
	require.ErrorIs(t, err, models.ErrHWIDAlreadyLocked)

	require.NoError(t, svc.Unlock(ctx, "sub-1", "admin-1"))

	res, err := svc.Bind(ctx, "sub-1", fpLaptop, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, fpLaptop, res.Binding.Fingerprint)
	assert.True(t, res.Binding.Locked)
}

func TestHWIDService_UpdateDisallowedEvenWhenUnlocked(t *testing.T) {
	svc, _ := newTestHWIDService(t, testHWIDConfig())
	ctx := context.Background()

	_, err := svc.Bind(ctx, "sub-1", fpDesktop, "user-1")
	require.NoError(t, err)
	require.NoError(t, svc.Unlock(ctx, "sub-1", "admin-1"))

	_, err = svc.Bind(ctx, "sub-1", fpLaptop, "user-1")
	assert.ErrorIs(t, err, models.ErrHWIDAlreadyLocked)
}

func TestHWIDService_InvalidFormat(t *testing.T) {
	svc, _ := newTestHWIDService(t, testHWIDConfig())

	for _, fp := range []string{"", "short", "has spaces in it", "semi;colon;value"} {
		_, err := svc.Bind(context.Background(), "sub-1", fp, "user-1")
		assert.ErrorIs(t, err, models.ErrHWIDInvalidFormat, fp)
	}
}

func TestHWIDService_Verify(t *testing.T) {
	svc, audit := newTestHWIDService(t, testHWIDConfig())
	ctx := context.Background()

	ok, err := svc.Verify(ctx, "sub-1", fpDesktop)
	require.NoError(t, err)
	assert.False(t, ok, "no binding and bind-on-first-use disabled")

	_, err = svc.Bind(ctx, "sub-1", fpDesktop, "user-1")
	require.NoError(t, err)

	ok, err = svc.Verify(ctx, "sub-1", fpLaptop)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, audit.Actions(), models.AuditHWIDMismatch)

	ok, err = svc.Verify(ctx, "sub-1", "bad")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHWIDService_VerifyBindsOnFirstUse(t *testing.T) {
	cfg := testHWIDConfig()
	cfg.BindOnFirstUse = true
	svc, _ := newTestHWIDService(t, cfg)
	ctx := context.Background()

	ok, err := svc.Verify(ctx, "sub-1", fpDesktop)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Verify(ctx, "sub-1", fpLaptop)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHWIDService_ConcurrentFirstBindsHaveOneWinner(t *testing.T) {
	svc, _ := newTestHWIDService(t, testHWIDConfig())

	const devices = 20
	var wg sync.WaitGroup
	results := make(chan error, devices)
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Bind(context.Background(), "sub-race", fmt.Sprintf("DEVICE-%04d-XYZ", i), "user-1")
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, models.ErrHWIDAlreadyLocked)
	}
	assert.Equal(t, 1, wins)
}

func TestHWIDService_ReleaseAndDerive(t *testing.T) {
	svc, audit := newTestHWIDService(t, testHWIDConfig())
	ctx := context.Background()

	fp := svc.DeriveFingerprint(hwid.Signals{ScreenWidth: 1920, ScreenHeight: 1080, Timezone: "UTC", Platform: "linux"})
	_, err := svc.Bind(ctx, "sub-1", fp, "user-1")
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, "sub-1", "admin-1"))
	assert.Contains(t, audit.Actions(), models.AuditHWIDReleased)
	assert.ErrorIs(t, svc.Release(ctx, "sub-1", "admin-1"), models.ErrNotFound)
	assert.ErrorIs(t, svc.Unlock(ctx, "sub-1", "admin-1"), models.ErrNotFound)

	_, err = svc.Bind(ctx, "sub-1", fpLaptop, "user-1")
	assert.NoError(t, err)
}
