package backoff

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
)

func TestNextDoublesUntilCap(t *testing.T) {
    base := 1 * time.Second
    max := 30 * time.Second

    for n := 0; n < 10; n++ {
        d := Next(n, base, max)
        want := base << uint(n)
        if want > max {
            want = max
        }
        assert.GreaterOrEqual(t, d, want, "attempt %d is at least the doubled delay", n)
        assert.LessOrEqual(t, d, want+want/5, "attempt %d stays within 20%% jitter of its delay", n)
    }
}

func TestNextCapsAtMax(t *testing.T) {
    d := Next(63, time.Second, 30*time.Second) // would overflow without the cap guard
    assert.LessOrEqual(t, d, 30*time.Second+6*time.Second)
}
