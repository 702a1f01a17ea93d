package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoProviderConfig() *Config {
	return &Config{
		Providers: []ProviderConfig{
			{Name: "p1", HourlyRequests: 100, Enabled: true},
			{Name: "p2", HourlyRequests: 100, Enabled: true},
		},
		Preferences: map[string][]string{
			"coding": {"p1", "p2"},
		},
	}
}

// useRequests burns n request units against a provider.
func useRequests(t *testing.T, r *Router, provider string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, r.RecordUsage(provider, 0, 10*time.Millisecond))
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{"valid", twoProviderConfig(), false},
		{"nil config", nil, true},
		{"no providers", &Config{}, true},
		{
			"preference references unknown provider",
			&Config{
				Providers:   []ProviderConfig{{Name: "p1", Enabled: true}},
				Preferences: map[string][]string{"coding": {"ghost"}},
			},
			true,
		},
		{
			"all providers disabled",
			&Config{Providers: []ProviderConfig{{Name: "p1"}}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSelectProvider_SkipsProviderOverThreshold(t *testing.T) {
	r, err := New(twoProviderConfig(), nil)
	require.NoError(t, err)

	// p1 at 95% of its limit, p2 at 10%: selection must land on p2 even
	// though p1 is the first preference.
	useRequests(t, r, "p1", 95)
	useRequests(t, r, "p2", 10)

	sel, err := r.SelectProvider("coding")
	require.NoError(t, err)
	assert.Equal(t, "p2", sel.Provider)
	assert.False(t, sel.Degraded)
}

func TestSelectProvider_ExactThresholdIsUnavailable(t *testing.T) {
	r, err := New(twoProviderConfig(), nil)
	require.NoError(t, err)

	// Available only while used < 0.9×limit: 90 of 100 is not available.
	useRequests(t, r, "p1", 90)
	sel, err := r.SelectProvider("coding")
	require.NoError(t, err)
	assert.Equal(t, "p2", sel.Provider)

	// 89 of 100 still is.
	r2, err := New(twoProviderConfig(), nil)
	require.NoError(t, err)
	useRequests(t, r2, "p1", 89)
	sel, err = r2.SelectProvider("coding")
	require.NoError(t, err)
	assert.Equal(t, "p1", sel.Provider)
}

func TestSelectProvider_DegradedMode(t *testing.T) {
	r, err := New(twoProviderConfig(), nil)
	require.NoError(t, err)

	useRequests(t, r, "p1", 95)
	useRequests(t, r, "p2", 95)

	sel, err := r.SelectProvider("coding")
	require.NoError(t, err)
	assert.Equal(t, "p1", sel.Provider, "degraded mode returns the first preference")
	assert.True(t, sel.Degraded)
	assert.Contains(t, sel.Reason, "degraded")
}

func TestSelectProvider_UnknownTypeUsesDeclaredOrder(t *testing.T) {
	r, err := New(twoProviderConfig(), nil)
	require.NoError(t, err)

	sel, err := r.SelectProvider("mystery-type")
	require.NoError(t, err)
	assert.Equal(t, "p1", sel.Provider)
}

func TestLazyWindowReset(t *testing.T) {
	r, err := New(twoProviderConfig(), nil)
	require.NoError(t, err)

	base := time.Now()
	r.now = func() time.Time { return base }
	for _, s := range r.states {
		s.windowReset = base.Add(quotaWindow)
	}

	useRequests(t, r, "p1", 95)
	sel, err := r.SelectProvider("coding")
	require.NoError(t, err)
	assert.Equal(t, "p2", sel.Provider)

	// Advance past the reset time: usage zeroes on the next check.
	r.now = func() time.Time { return base.Add(quotaWindow + time.Minute) }
	sel, err = r.SelectProvider("coding")
	require.NoError(t, err)
	assert.Equal(t, "p1", sel.Provider, "usage resets exactly when now passes reset time")

	status := r.StatusAll()
	assert.Equal(t, 0, status[0].RequestsUsed)
}

func TestRecordUsage_TracksMeanLatencyAndClearsErrors(t *testing.T) {
	r, err := New(twoProviderConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, r.RecordError("p1", "timeout"))
	require.NoError(t, r.RecordError("p1", "timeout"))
	assert.Equal(t, 2, r.StatusAll()[0].ConsecutiveErrors)

	require.NoError(t, r.RecordUsage("p1", 1000, 100*time.Millisecond))
	require.NoError(t, r.RecordUsage("p1", 1000, 300*time.Millisecond))

	status := r.StatusAll()[0]
	assert.Equal(t, 0, status.ConsecutiveErrors, "a successful dispatch ends the error streak")
	assert.Equal(t, 200*time.Millisecond, status.MeanLatency)
	assert.Equal(t, int64(2000), status.TokensUsed)

	assert.Error(t, r.RecordUsage("ghost", 1, time.Millisecond))
	assert.Error(t, r.RecordError("ghost", "x"))
}

func TestPredictBestProvider(t *testing.T) {
	r, err := New(twoProviderConfig(), nil)
	require.NoError(t, err)

	base := time.Now()
	r.now = func() time.Time { return base }
	r.states["p1"].windowReset = base.Add(50 * time.Minute)
	r.states["p2"].windowReset = base.Add(50 * time.Minute)

	t.Run("ties resolve to declared order", func(t *testing.T) {
		pred, err := r.PredictBestProvider(10 * time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "p1", pred.Provider)
	})

	t.Run("headroom dominates", func(t *testing.T) {
		useRequests(t, r, "p1", 80)
		pred, err := r.PredictBestProvider(10 * time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "p2", pred.Provider)
	})

	t.Run("a window resetting within the horizon restores full headroom", func(t *testing.T) {
		// p1 is heavily used but resets inside the horizon; p2 does not.
		r.states["p1"].windowReset = base.Add(5 * time.Minute)
		useRequests(t, r, "p2", 50)
		pred, err := r.PredictBestProvider(10 * time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "p1", pred.Provider)
		assert.Contains(t, pred.Reason, "resets within horizon")
	})

	t.Run("errors depress the score", func(t *testing.T) {
		fresh, err := New(twoProviderConfig(), nil)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			require.NoError(t, fresh.RecordError("p1", "boom"))
		}
		pred, err := fresh.PredictBestProvider(time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "p2", pred.Provider)
	})
}

func TestRecordUsage_ConcurrentUpdates(t *testing.T) {
	r, err := New(twoProviderConfig(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.RecordUsage("p1", 10, time.Millisecond)
		}()
	}
	wg.Wait()

	status := r.StatusAll()[0]
	assert.Equal(t, 50, status.RequestsUsed)
	assert.Equal(t, int64(500), status.TokensUsed)
}

func TestLoadConfig(t *testing.T) {
	t.Run("default config is valid", func(t *testing.T) {
		assert.NoError(t, ValidateConfig(DefaultConfig()))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig("/nonexistent/providers.yaml")
		assert.Error(t, err)
	})
}
