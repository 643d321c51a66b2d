package bloom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func Test_NoFalseNegatives(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := New(256, 3)
		items := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 1, 20), 1, 30).Draw(t, "items")
		for _, item := range items {
			f.Add(item)
		}
		for _, item := range items {
			assert.True(t, f.Contains(item))
		}
	})
}

func Test_FillRateAndCountConsistent(t *testing.T) {
	f := New(256, 3)
	f.Add([]byte("hello"))
	f.Add([]byte("world"))
	assert.Greater(t, f.CountSetBits(), 0)
	assert.InDelta(t, float64(f.CountSetBits())/256.0, f.FillRate(), 1e-9)
}

func Test_RotatingExpiry(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	r := NewRotating(3, 10*time.Second, 256, 3, base)
	r.SetClock(func() time.Time { return clock })

	r.Add([]byte("X"))

	clock = base.Add(20 * time.Second)
	assert.True(t, r.Contains([]byte("X")), "must not expire before W*windowDuration")

	clock = base.Add(40 * time.Second)
	assert.False(t, r.Contains([]byte("X")), "must expire after W*windowDuration")
}

func Test_RotatingExpiryMidWindowAdd(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	r := NewRotating(3, 10*time.Second, 256, 3, base)
	r.SetClock(func() time.Time { return clock })

	// An item added partway through the filter's life must get its own
	// full lifetime; it must not be swept out with items added at t=0.
	clock = base.Add(25 * time.Second)
	r.Add([]byte("Y"))

	clock = base.Add(35 * time.Second)
	assert.True(t, r.Contains([]byte("Y")), "must survive the t=0 windows expiring")

	clock = base.Add(54 * time.Second)
	assert.True(t, r.Contains([]byte("Y")), "must not expire before W*windowDuration past its add")

	clock = base.Add(56 * time.Second)
	assert.False(t, r.Contains([]byte("Y")), "expires once its own window ages out")
}

func Test_RotatingGetFiltersOldestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRotating(3, 10*time.Second, 256, 3, base)
	r.SetClock(func() time.Time { return base })
	r.Add([]byte("X"))

	filters := r.GetFilters()
	assert.Len(t, filters, 3)
	assert.Len(t, filters[0], 32)
	// X went into the newest window, which is last on the wire.
	assert.True(t, FromBytes(filters[2], 3).Contains([]byte("X")))
	assert.Zero(t, FromBytes(filters[0], 3).CountSetBits())
}

func Test_RemoteContains(t *testing.T) {
	f := New(256, 3)
	f.Add([]byte("X"))
	filters := [][]byte{f.Bytes(), New(256, 3).Bytes(), New(256, 3).Bytes()}
	assert.True(t, RemoteContains(filters, 3, []byte("X")))
	assert.False(t, RemoteContains(filters, 3, []byte("Y")))
}
