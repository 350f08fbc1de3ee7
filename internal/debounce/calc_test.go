package debounce

import (
	"testing"
	"time"
)

var testCfg = Config{
	Threshold:  5,
	Window:     time.Hour,
	MentionMin: 90 * time.Second,
	MentionMax: 5 * time.Minute,
	ReplyMin:   3 * time.Minute,
	ReplyMax:   10 * time.Minute,
	Cooldown:   10 * time.Minute,
}

func TestDelayBounds(t *testing.T) {
	cases := []struct {
		name      string
		count     int
		isMention bool
		want      time.Duration
	}{
		{"mention at threshold", 5, true, testCfg.MentionMin},
		{"mention below threshold", 1, true, testCfg.MentionMin},
		{"mention saturated", 15, true, testCfg.MentionMax},
		{"mention beyond saturation", 50, true, testCfg.MentionMax},
		{"reply at threshold", 5, false, testCfg.ReplyMin},
		{"reply saturated", 15, false, testCfg.ReplyMax},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Delay(tc.count, tc.isMention, testCfg)
			if got != tc.want {
				t.Fatalf("Delay(%d, %v) = %v, want %v", tc.count, tc.isMention, got, tc.want)
			}
		})
	}
}

func TestDelayMonotonic(t *testing.T) {
	for _, isMention := range []bool{true, false} {
		prev := time.Duration(0)
		for count := 1; count <= 30; count++ {
			d := Delay(count, isMention, testCfg)
			if d < prev {
				t.Fatalf("delay decreased at count=%d mention=%v: %v < %v", count, isMention, d, prev)
			}
			prev = d
		}
	}
}

func TestDelayRampInsideBand(t *testing.T) {
	// Between threshold and 3x threshold the delay must be strictly
	// inside the band once the ramp begins.
	d := Delay(8, true, testCfg)
	if d <= testCfg.MentionMin || d >= testCfg.MentionMax {
		t.Fatalf("mid-ramp delay %v outside (%v, %v)", d, testCfg.MentionMin, testCfg.MentionMax)
	}
}

func TestMentionsMoreUrgentThanReplies(t *testing.T) {
	for count := 1; count <= 30; count++ {
		m := Delay(count, true, testCfg)
		r := Delay(count, false, testCfg)
		if m > r {
			t.Fatalf("mention slower than reply at count=%d: %v > %v", count, m, r)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := testCfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := []struct {
		name string
		mut  func(c *Config)
	}{
		{"zero threshold", func(c *Config) { c.Threshold = 0 }},
		{"zero window", func(c *Config) { c.Window = 0 }},
		{"zero mention min", func(c *Config) { c.MentionMin = 0 }},
		{"mention max below min", func(c *Config) { c.MentionMax = time.Second }},
		{"reply max below min", func(c *Config) { c.ReplyMax = time.Second }},
		{"reply faster than mention", func(c *Config) { c.ReplyMin = time.Second }},
		{"zero cooldown", func(c *Config) { c.Cooldown = 0 }},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			c := testCfg
			tc.mut(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
