package lib

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// DialConfig holds the Syn retransmission policy used by Dial.
type DialConfig struct {
	MaxRetries        int           // Maximum Syn retransmissions (-1 for infinite)
	InitialBackoff    time.Duration // Initial backoff delay
	MaxBackoff        time.Duration // Maximum backoff cap
	BackoffMultiplier float64       // Exponential backoff multiplier (e.g., 2.0)
}

// DefaultDialConfig returns a conservative configuration suitable for production
func DefaultDialConfig() *DialConfig {
	return &DialConfig{
		MaxRetries:        6,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// AggressiveDialConfig returns an aggressive configuration for testing/development
func AggressiveDialConfig() *DialConfig {
	return &DialConfig{
		MaxRetries:        20,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        200 * time.Millisecond,
		BackoffMultiplier: 1.5,
	}
}

// CalculateBackoffDuration calculates the backoff duration for a given retry count
func CalculateBackoffDuration(retryCount int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(retryCount)))
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}

// Dial opens a session to remote and waits for the handshake to finish,
// retransmitting the handshake segment with exponential backoff. The session
// is closed on failure.
func (c *Core) Dial(ctx context.Context, local, remote Endpoint) (SessionID, error) {
	dc := c.sessConfig.Dial

	id, err := c.Open(local, remote)
	if id == InvalidSession {
		return InvalidSession, err
	}
	if err != nil {
		log.Warningf("dial %d: %v, will retry", remote, err)
	}
	s, err := c.session(id)
	if err != nil {
		return InvalidSession, err
	}

	fail := func(err error) (SessionID, error) {
		if cerr := c.Close(id); cerr != nil {
			log.Debugf("dial %d: close session %d: %v", remote, id, cerr)
		}
		return InvalidSession, err
	}

	retries := 0
	timer := time.NewTimer(CalculateBackoffDuration(0, dc.InitialBackoff, dc.MaxBackoff, dc.BackoffMultiplier))
	defer timer.Stop()

	for {
		expired := false
		select {
		case <-s.stateChanged:
		case <-timer.C:
			expired = true
		case <-c.closeSignal:
			return InvalidSession, ErrClosed
		case <-ctx.Done():
			return fail(ctx.Err())
		}

		s.mu.Lock()
		state := s.state
		switch state {
		case StateOpen:
			s.mu.Unlock()
			return id, nil
		case StateCloseWait, StateClosed:
			s.mu.Unlock()
			return fail(errors.Wrapf(ErrNotConnected, "dial %d: connection refused", remote))
		}
		if !expired {
			s.mu.Unlock()
			continue
		}

		if dc.MaxRetries >= 0 && retries >= dc.MaxRetries {
			s.mu.Unlock()
			return fail(newTimeoutError("dial %d: no answer after %d retries", remote, retries))
		}
		retries++
		var serr error
		if state == StateSynReceived {
			serr = s.sendSynAck()
		} else {
			serr = s.sendSyn()
		}
		s.mu.Unlock()
		if serr != nil {
			log.Warningf("dial %d: %v", remote, serr)
		}

		wait := CalculateBackoffDuration(retries, dc.InitialBackoff, dc.MaxBackoff, dc.BackoffMultiplier)
		log.Debugf("dial %d: attempt %d, next wait %v", remote, retries, wait)
		timer.Reset(wait)
	}
}
