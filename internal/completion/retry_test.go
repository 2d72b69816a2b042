package completion

import (
	"testing"
	"time"
)

func TestExponentialRetry_MaxWait(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		initial  time.Duration
		want     time.Duration
	}{
		{"single attempt never waits", 1, time.Second, 0},
		{"one retry", 2, time.Second, 1100 * time.Millisecond},
		{"doubling", 4, time.Second, 7700 * time.Millisecond},
		{"capped at max interval", 3, 20 * time.Second, 22*time.Second + 33*time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ExponentialRetry(tt.attempts, tt.initial)
			if p.MaxWait != tt.want {
				t.Errorf("Expected MaxWait %v, got %v", tt.want, p.MaxWait)
			}
		})
	}
}

func TestConstantRetry_TurnBudget(t *testing.T) {
	p := ConstantRetry(3, 2*time.Second)
	if got := p.TurnBudget(10 * time.Second); got != 34*time.Second {
		t.Errorf("Expected 34s, got %v", got)
	}
}
