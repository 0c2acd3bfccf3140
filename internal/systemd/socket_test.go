package systemd

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestGetListenersWithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := GetListeners()
	if err != nil {
		t.Fatalf("GetListeners failed: %v", err)
	}
	if listeners.Activated {
		t.Error("Expected no socket activation")
	}
	if listeners.API != nil || listeners.Metrics != nil {
		t.Error("Expected no listeners")
	}
}

func TestNotifyWithoutSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	if IsSystemdService() {
		t.Error("Expected not to be a systemd service")
	}
	for name, notify := range map[string]func() error{
		"ready":     NotifyReady,
		"stopping":  NotifyStopping,
		"reloading": NotifyReloading,
		"watchdog":  NotifyWatchdog,
	} {
		if err := notify(); err != nil {
			t.Errorf("%s: unexpected error %v", name, err)
		}
	}
}

func TestIsSystemdService(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "/run/systemd/notify")
	if !IsSystemdService() {
		t.Error("Expected NOTIFY_SOCKET to mark a systemd service")
	}
}

func TestRunWatchdogDisabledReturns(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")

	done := make(chan struct{})
	go func() {
		RunWatchdog(context.Background(), zerolog.Nop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunWatchdog did not return with the watchdog disabled")
	}
}
