package fragment

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rfmpd/rfmpd/internal/rfmp"
	"github.com/stretchr/testify/assert"
)

func bigMessage(t *testing.T, bodyLen int) rfmp.Message {
	t.Helper()
	msg, err := rfmp.NewMessage("N0CALL", "", "general", 1, "", strings.Repeat("x", bodyLen), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.NoError(t, err)
	return msg
}

func Test_FragmentationCompleteness(t *testing.T) {
	const threshold = 200
	msg := bigMessage(t, 500)
	fr := New(threshold)

	frags, err := fr.FragmentMessage(msg)
	assert.NoError(t, err)

	encoded, err := rfmp.Encode(msg.ToFrame())
	assert.NoError(t, err)
	expectedTotal := int(math.Ceil(float64(len(encoded)) / float64(threshold-50)))
	assert.Len(t, frags, expectedTotal)

	var reassembled *rfmp.Message
	for _, f := range frags {
		_, msgOut, err := fr.AddFragment(f)
		assert.NoError(t, err)
		if msgOut != nil {
			reassembled = msgOut
		}
	}
	assert.NotNil(t, reassembled)
	assert.Equal(t, msg.ID, reassembled.ID)
	assert.Equal(t, msg.Body, reassembled.Body)
}

func Test_NoFragmentationWhenSmall(t *testing.T) {
	msg := bigMessage(t, 10)
	fr := New(200)
	frags, err := fr.FragmentMessage(msg)
	assert.NoError(t, err)
	assert.Nil(t, frags)
}

func Test_OutOfOrderReassembly(t *testing.T) {
	msg := bigMessage(t, 500)
	fr := New(200)
	frags, _ := fr.FragmentMessage(msg)
	assert.GreaterOrEqual(t, len(frags), 3)

	order := []int{2, 0, 1}
	for _, i := range order {
		if i >= len(frags) {
			continue
		}
		isNew, out, err := fr.AddFragment(frags[i])
		assert.True(t, isNew)
		assert.NoError(t, err)
		_ = out
	}
	for i := 3; i < len(frags); i++ {
		fr.AddFragment(frags[i])
	}
}

func Test_DuplicateFragmentNotNew(t *testing.T) {
	msg := bigMessage(t, 500)
	fr := New(200)
	frags, _ := fr.FragmentMessage(msg)

	isNew1, _, _ := fr.AddFragment(frags[0])
	isNew2, _, _ := fr.AddFragment(frags[0])
	assert.True(t, isNew1)
	assert.False(t, isNew2)
}

func Test_CollectorExpiry(t *testing.T) {
	msg := bigMessage(t, 500)
	fr := New(200)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fr.SetClock(func() time.Time { return now })

	frags, _ := fr.FragmentMessage(msg)
	fr.AddFragment(frags[0])

	now = now.Add(6 * time.Minute)
	expired := fr.CleanupExpired()
	assert.Contains(t, expired, msg.ID)
	assert.Nil(t, fr.GetMissingFragments(msg.ID))
}
