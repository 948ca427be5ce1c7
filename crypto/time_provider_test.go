package crypto

import (
	"testing"
	"time"
)

func TestTimeProvider_Default(t *testing.T) {
	t.Parallel()

	dp := DefaultTimeProvider{}

	before := time.Now()
	now := dp.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Error("DefaultTimeProvider.Now() should return current time")
	}

	pastTime := time.Now().Add(-time.Hour)
	since := dp.Since(pastTime)
	if since < time.Hour || since > time.Hour+time.Second {
		t.Errorf("DefaultTimeProvider.Since() returned unexpected duration: %v", since)
	}
}

func TestTimeProvider_Package_Level(t *testing.T) {
	// Not parallel due to modifying package-level state
	original := GetDefaultTimeProvider()
	defer SetDefaultTimeProvider(original)

	mockTime := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	manual := NewManualTimeProvider(mockTime)
	SetDefaultTimeProvider(manual)

	provider := GetDefaultTimeProvider()
	if !provider.Now().Equal(mockTime) {
		t.Errorf("Expected manual time %v, got %v", mockTime, provider.Now())
	}

	manual.Advance(time.Hour)
	expected := mockTime.Add(time.Hour)
	if !provider.Now().Equal(expected) {
		t.Errorf("Expected %v after advance, got %v", expected, provider.Now())
	}

	SetDefaultTimeProvider(nil)
	if _, ok := GetDefaultTimeProvider().(DefaultTimeProvider); !ok {
		t.Error("SetDefaultTimeProvider(nil) should restore DefaultTimeProvider")
	}
}

func TestManualTimeProvider(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManualTimeProvider(start)

	m.Advance(90 * time.Second)
	if got := m.Since(start); got != 90*time.Second {
		t.Errorf("Since() = %v, want 90s", got)
	}

	later := start.Add(24 * time.Hour)
	m.Set(later)
	if !m.Now().Equal(later) {
		t.Errorf("Now() = %v, want %v", m.Now(), later)
	}
}
