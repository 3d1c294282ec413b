package endpoint

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOfflineTracker_FastFailsWithoutNetworkCall(t *testing.T) {
	var onlineCalls, offlineCalls int
	tr := newOfflineTracker(time.Minute,
		func() { onlineCalls++ },
		func(*OfflineCause) { offlineCalls++ },
	)

	connErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	tr.recordFailure(connErr)
	assert.Equal(t, 1, offlineCalls)

	// ten immediate calls must see the cause without any network attempt.
	for i := 0; i < 10; i++ {
		assert.NotNil(t, tr.checkBeforeCall(time.Now()))
	}

	tr.recordSuccess()
	assert.Equal(t, 1, onlineCalls)
	assert.Nil(t, tr.checkBeforeCall(time.Now()))
}

func TestOfflineTracker_CooldownDoublesOnRepeatedFailure(t *testing.T) {
	tr := newOfflineTracker(time.Minute, func() {}, func(*OfflineCause) {})
	connErr := &net.OpError{Op: "dial", Err: errors.New("refused")}

	tr.recordFailure(connErr)
	first := tr.ref.Load().Cooldown

	tr.recordFailure(connErr)
	second := tr.ref.Load().Cooldown

	assert.Equal(t, first*2, second)
}

func TestOfflineTracker_CooldownClampsToMax(t *testing.T) {
	tr := newOfflineTracker(15*time.Second, func() {}, func(*OfflineCause) {})
	connErr := &net.OpError{Op: "dial", Err: errors.New("refused")}

	for i := 0; i < 10; i++ {
		tr.recordFailure(connErr)
	}
	assert.Equal(t, 15*time.Second, tr.ref.Load().Cooldown)
}

func TestOfflineTracker_NonConnectivityFailureIgnored(t *testing.T) {
	tr := newOfflineTracker(time.Minute, func() {}, func(*OfflineCause) {})
	tr.recordFailure(errors.New("404 not found"))
	assert.Nil(t, tr.ref.Load())
}

func TestOfflineTracker_ExpiresAfterCooldown(t *testing.T) {
	tr := newOfflineTracker(time.Minute, func() {}, func(*OfflineCause) {})
	connErr := &net.OpError{Op: "dial", Err: errors.New("refused")}
	tr.recordFailure(connErr)

	future := time.Now().Add(20 * time.Second)
	assert.Nil(t, tr.checkBeforeCall(future))
}
