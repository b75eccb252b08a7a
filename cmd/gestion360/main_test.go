package main

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/gestion360/internal/app/realtime"
	"github.com/coachpo/gestion360/internal/app/whatsapp"
	"github.com/coachpo/gestion360/internal/domain/message"
	"github.com/coachpo/gestion360/internal/domain/quota"
	"github.com/coachpo/gestion360/internal/infra/auth"
	"github.com/coachpo/gestion360/internal/infra/bus/eventbus"
	"github.com/coachpo/gestion360/internal/infra/config"
	"github.com/coachpo/gestion360/internal/infra/persistence/memory"
)

func TestResolveConfigPathDefaults(t *testing.T) {
	require.Equal(t, "config/app.yaml", resolveConfigPath(""))
	require.Equal(t, "/etc/gestion360.yaml", resolveConfigPath("/etc/gestion360.yaml"))
}

func TestBuildAuthenticatorFollowsConfig(t *testing.T) {
	authn, err := buildAuthenticator(config.AuthConfig{})
	require.NoError(t, err)
	require.IsType(t, auth.AllowAll{}, authn)

	authn, err = buildAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Issuer: "gestion360"})
	require.NoError(t, err)
	jwtAuthn, ok := authn.(*auth.JWTAuthenticator)
	require.True(t, ok)

	token, err := jwtAuthn.Issue("admin-1", "admin@example.com", time.Minute)
	require.NoError(t, err)
	principal, err := authn.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "admin-1", principal.Subject)
}

func TestComponentConfigsCopyFields(t *testing.T) {
	rt := config.RealtimeConfig{
		HeartbeatInterval:  15 * time.Second,
		InactivityTimeout:  time.Minute,
		SweepInterval:      5 * time.Second,
		ReplayLimit:        7,
		PendingCapacity:    70,
		PendingRetention:   time.Hour,
		PendingMaxAttempts: 2,
	}
	reg := registryConfig(rt)
	require.Equal(t, 15*time.Second, reg.HeartbeatInterval)
	require.Equal(t, time.Minute, reg.InactivityTimeout)
	require.Equal(t, 5*time.Second, reg.SweepInterval)
	require.Equal(t, 7, reg.ReplayLimit)

	pending := pendingConfig(rt)
	require.Equal(t, 70, pending.Capacity)
	require.Equal(t, time.Hour, pending.Retention)
	require.Equal(t, 2, pending.MaxAttempts)

	sender := senderConfig(config.WhatsAppConfig{
		GraphBaseURL:   "https://graph.example.com",
		SendTimeout:    3 * time.Second,
		RatePerSecond:  4,
		Burst:          2,
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
	})
	require.Equal(t, "https://graph.example.com", sender.BaseURL)
	require.Equal(t, 3*time.Second, sender.Timeout)
	require.Equal(t, uint(5), sender.MaxAttempts)

	recorder := recorderConfig(config.HistoryConfig{Retention: 48 * time.Hour, CleanupInterval: time.Hour})
	require.Equal(t, 48*time.Hour, recorder.Retention)
	require.Equal(t, time.Hour, recorder.CleanupInterval)
}

func TestInitStoresFallsBackToMemory(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := log.New(buf, "", 0)

	repos, err := initStores(context.Background(), logger, config.Default())
	require.NoError(t, err)
	require.NotNil(t, repos.close)
	require.IsType(t, &memory.QuotaStore{}, repos.quotas)
	require.IsType(t, &memory.MessageStore{}, repos.messages)
	require.Contains(t, buf.String(), "in memory")
	repos.close()

	svc := quota.NewService(repos.quotas)
	settings, remaining := "{}", int64(2)
	_, err = svc.Upsert(context.Background(), quota.UpsertParams{
		Category:  quota.CategoryWhatsApp,
		Config:    &settings,
		Remaining: &remaining,
	})
	require.NoError(t, err)
}

func TestPerformGracefulShutdownReleasesComponents(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	registry := realtime.NewRegistry(realtime.RegistryConfig{}, realtime.NewPendingBuffer(realtime.PendingConfig{}), bus)
	ctx, cancel := context.WithCancel(context.Background())
	registry.Start(ctx)
	recorder := whatsapp.NewRecorder(bus, message.NewService(memory.NewMessageStore()), recorderConfig(config.Default().History))
	require.NoError(t, recorder.Start(ctx))
	coordinator := realtime.NewCoordinator(bus, registry)
	require.NoError(t, coordinator.Start())

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { <-ctx.Done() })

	storeClosed := false
	buf := new(bytes.Buffer)
	logger := log.New(buf, "", 0)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		coordinator: coordinator,
		recorder:    recorder,
		registry:    registry,
		mainCancel:  cancel,
		lifecycle:   &lifecycle,
		bus:         bus,
		closeStore:  func() { storeClosed = true },
	})

	require.True(t, storeClosed)
	out := buf.String()
	require.NotContains(t, out, "failed")
	require.Less(t, strings.Index(out, "closing observer connections"), strings.Index(out, "closing event bus"))
	require.Contains(t, out, "stopping message recorder completed")
	require.Less(t, strings.Index(out, "stopping message recorder"), strings.Index(out, "closing stores"))
	require.Contains(t, out, "closing stores completed")
}
