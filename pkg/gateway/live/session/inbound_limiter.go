package session

import "time"

// tokenBucket is a lazily-refilled bucket. Capacity is rate*burst and
// tokens accrue continuously with elapsed time.
type tokenBucket struct {
	rate   int64
	burst  int64
	tokens int64
}

func (b *tokenBucket) refill(elapsed time.Duration) {
	if b.rate <= 0 {
		return
	}
	add := (elapsed.Nanoseconds() * b.rate) / int64(time.Second)
	if add <= 0 {
		return
	}
	b.tokens += add
	if maxTokens := b.rate * b.burst; b.tokens > maxTokens {
		b.tokens = maxTokens
	}
}

// inboundAudioLimiter bounds the audio a client may push: frames per
// second and bytes per second, each optional. A nil limiter admits
// everything, so unlimited configs cost nothing on the hot path.
type inboundAudioLimiter struct {
	now        func() time.Time
	fps        tokenBucket
	bps        tokenBucket
	lastRefill time.Time
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundAudioLimiter{
		now:        now,
		fps:        tokenBucket{rate: int64(fps), burst: int64(burstSeconds)},
		bps:        tokenBucket{rate: bps, burst: int64(burstSeconds)},
		lastRefill: now(),
	}
	l.fps.tokens = l.fps.rate * l.fps.burst
	l.bps.tokens = l.bps.rate * l.bps.burst
	return l
}

// Allow charges one frame of frameBytes against both buckets. A denied
// frame charges nothing, so a flood does not starve the next legitimate
// frame after refill.
func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}

	now := l.now()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.fps.refill(elapsed)
		l.bps.refill(elapsed)
		l.lastRefill = now
	}

	if frameBytes < 0 {
		frameBytes = 0
	}
	if l.fps.rate > 0 && l.fps.tokens < 1 {
		return false
	}
	if l.bps.rate > 0 && l.bps.tokens < int64(frameBytes) {
		return false
	}
	if l.fps.rate > 0 {
		l.fps.tokens--
	}
	if l.bps.rate > 0 {
		l.bps.tokens -= int64(frameBytes)
	}
	return true
}
