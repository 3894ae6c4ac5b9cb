package backoff

import (
	"sync"
	"testing"
	"time"
)

// noon on a Wednesday, outside every window used below unless stated
var noon = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func fixed(t time.Time) func() time.Time { return func() time.Time { return t } }

func midRand() float64 { return 0.5 }

func newTestController(cfg Config, at time.Time) *Controller {
	return New(cfg, WithClock(fixed(at)), WithRand(midRand))
}

func TestNextDelay_Exponential(t *testing.T) {
	c := newTestController(Config{Base: time.Second, Max: 10 * time.Second}, noon)

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{60, 10 * time.Second},
	}

	for _, tt := range tests {
		for c.Failures("acme") < tt.failures {
			c.Failure("acme", 0)
		}
		got, ok := c.NextDelay("acme")
		if !ok {
			t.Fatalf("failures=%d: NextDelay() ok = false", tt.failures)
		}
		if got != tt.want {
			t.Errorf("failures=%d: NextDelay() = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestNextDelay_SuccessResets(t *testing.T) {
	c := newTestController(Config{Base: time.Second, Max: time.Minute, LatencyReference: time.Second}, noon)

	c.Failure("acme", 0)
	c.Failure("acme", 0)
	c.Success("acme", 100*time.Millisecond)

	got, _ := c.NextDelay("acme")
	if got != time.Second {
		t.Errorf("NextDelay() after success = %v, want %v", got, time.Second)
	}
}

func TestNextDelay_LatencyFactor(t *testing.T) {
	tests := []struct {
		name    string
		latency time.Duration
		want    time.Duration
	}{
		{"fast responses never shorten", 100 * time.Millisecond, time.Second},
		{"twice the reference doubles", 2 * time.Second, 2 * time.Second},
		{"factor is capped at four", 30 * time.Second, 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(Config{
				Base:             time.Second,
				Max:              time.Minute,
				LatencyReference: time.Second,
				LatencyAlpha:     1,
			}, noon)
			c.Success("acme", tt.latency)

			got, _ := c.NextDelay("acme")
			if got != tt.want {
				t.Errorf("NextDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextDelay_LatencyEWMA(t *testing.T) {
	c := newTestController(Config{
		Base:             time.Second,
		Max:              time.Minute,
		LatencyReference: time.Second,
		LatencyAlpha:     0.5,
	}, noon)

	c.Success("acme", 2*time.Second)
	c.Success("acme", 4*time.Second) // ewma = 3s

	got, _ := c.NextDelay("acme")
	if got != 3*time.Second {
		t.Errorf("NextDelay() = %v, want %v", got, 3*time.Second)
	}
}

func TestNextDelay_TimeOfDay(t *testing.T) {
	schedule := Schedule{
		Peak:        []Window{MustParseWindow("18:00-21:00")},
		OffPeak:     []Window{MustParseWindow("01:00-06:00")},
		Maintenance: []Window{MustParseWindow("23:30-00:30")},
	}

	tests := []struct {
		name   string
		at     time.Time
		want   time.Duration
		wantOK bool
	}{
		{"neutral", noon, 4 * time.Second, true},
		{"peak", time.Date(2026, 3, 4, 19, 0, 0, 0, time.UTC), 6 * time.Second, true},
		{"off-peak", time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC), 3 * time.Second, true},
		{"maintenance before midnight", time.Date(2026, 3, 4, 23, 45, 0, 0, time.UTC), 0, false},
		{"maintenance after midnight", time.Date(2026, 3, 5, 0, 15, 0, 0, time.UTC), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(Config{Base: 4 * time.Second, Max: time.Minute, Schedule: schedule}, tt.at)
			got, ok := c.NextDelay("acme")
			if ok != tt.wantOK {
				t.Fatalf("NextDelay() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("NextDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextDelay_PerRetailerSchedule(t *testing.T) {
	c := newTestController(Config{
		Base: time.Second,
		Schedules: map[string]Schedule{
			"acme": {Maintenance: []Window{MustParseWindow("11:00-13:00")}},
		},
	}, noon)

	if _, ok := c.NextDelay("acme"); ok {
		t.Error("acme should be in maintenance")
	}
	if _, ok := c.NextDelay("globex"); !ok {
		t.Error("globex uses the default schedule and should not be skipped")
	}
}

func TestNextDelay_Jitter(t *testing.T) {
	tests := []struct {
		name string
		r    float64
		want time.Duration
	}{
		{"low", 0, 8 * time.Second},
		{"mid", 0.5, 10 * time.Second},
		{"high", 0.999999, 12 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{Base: 10 * time.Second, Max: time.Minute, Jitter: 0.2},
				WithClock(fixed(noon)),
				WithRand(func() float64 { return tt.r }),
			)
			got, _ := c.NextDelay("acme")
			diff := got - tt.want
			if diff < -time.Millisecond || diff > time.Millisecond {
				t.Errorf("NextDelay() = %v, want ~%v", got, tt.want)
			}
		})
	}
}

func TestCurrent_TracksLastDelay(t *testing.T) {
	c := newTestController(Config{Base: time.Second, Max: time.Minute}, noon)

	if got := c.Current("acme"); got != 0 {
		t.Errorf("Current() before any call = %v, want 0", got)
	}
	c.Failure("acme", 0)
	d, _ := c.NextDelay("acme")
	if got := c.Current("acme"); got != d {
		t.Errorf("Current() = %v, want %v", got, d)
	}
}

func TestRetailersAreIndependent(t *testing.T) {
	c := newTestController(Config{Base: time.Second, Max: time.Minute}, noon)

	for i := 0; i < 5; i++ {
		c.Failure("acme", 0)
	}
	got, _ := c.NextDelay("globex")
	if got != time.Second {
		t.Errorf("globex NextDelay() = %v, want %v", got, time.Second)
	}
}

func TestController_Concurrent(t *testing.T) {
	c := newTestController(Config{}, noon)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := []string{"acme", "globex"}[i%2]
			for j := 0; j < 50; j++ {
				c.Failure(r, time.Millisecond)
				c.NextDelay(r)
				c.Success(r, time.Millisecond)
			}
		}(i)
	}
	wg.Wait()
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		in      string
		want    Window
		wantErr bool
	}{
		{"09:00-17:30", Window{9 * time.Hour, 17*time.Hour + 30*time.Minute}, false},
		{" 22:00 - 02:00 ", Window{22 * time.Hour, 2 * time.Hour}, false},
		{"09:00", Window{}, true},
		{"25:00-26:00", Window{}, true},
		{"10:00-10:00", Window{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWindow(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseWindow() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWindow_Contains(t *testing.T) {
	overnight := MustParseWindow("22:00-02:00")
	day := func(h, m int) time.Time { return time.Date(2026, 1, 1, h, m, 0, 0, time.UTC) }

	tests := []struct {
		at   time.Time
		want bool
	}{
		{day(21, 59), false},
		{day(22, 0), true},
		{day(23, 59), true},
		{day(0, 0), true},
		{day(1, 59), true},
		{day(2, 0), false},
	}

	for _, tt := range tests {
		if got := overnight.Contains(tt.at); got != tt.want {
			t.Errorf("Contains(%s) = %v, want %v", tt.at.Format("15:04"), got, tt.want)
		}
	}
	if overnight.String() != "22:00-02:00" {
		t.Errorf("String() = %q", overnight.String())
	}
}
