package player

import (
	"math"

	"github.com/vango-go/live-relay/pkg/core/live/audio"
)

// joinScheduler implements C10: it decides how much of two adjacent chunks
// to crossfade, based on the local RMS delta at the boundary, and produces
// the sample run the caller should append to the player's queue.
type joinScheduler struct {
	joinCount int
}

const (
	joinWindowMs    = 20
	minCrossfadeMs  = 12
	maxCrossfadeMs  = 20
	rmsFlatThresh   = 0.02
	rmsDeltaSpanMax = 0.12
)

// join blends chunk against pendingTail where the RMS delta at the
// boundary warrants it, returning the samples the caller should append to
// the queue and the samples reserved as the new pendingTail for the
// following call.
func (j *joinScheduler) join(pendingTail []float32, chunk []float32, inputRate int) (appended []float32, newTail []float32) {
	tailReserve := msToSamples(joinWindowMs, inputRate)
	if tailReserve > len(chunk) {
		tailReserve = len(chunk)
	}
	body := chunk[:len(chunk)-tailReserve]
	reserved := append([]float32(nil), chunk[len(chunk)-tailReserve:]...)

	plain := func() (appended, newTail []float32) {
		appended = append(append([]float32(nil), pendingTail...), body...)
		j.joinCount++
		return appended, reserved
	}

	if j.joinCount < 2 || len(pendingTail) == 0 {
		return plain()
	}

	n := msToSamples(joinWindowMs, inputRate)
	if n > len(pendingTail) {
		n = len(pendingTail)
	}
	if n > len(chunk) {
		n = len(chunk)
	}
	if n == 0 {
		return plain()
	}

	rmsBefore := audio.RMS(pendingTail[len(pendingTail)-n:])
	rmsAfter := audio.RMS(chunk[:n])
	delta := math.Abs(rmsBefore - rmsAfter)

	if delta < rmsFlatThresh {
		return plain()
	}

	cfMs := minCrossfadeMs + (maxCrossfadeMs-minCrossfadeMs)*math.Min(delta/rmsDeltaSpanMax, 1)
	cfLen := msToSamples(int(math.Round(cfMs)), inputRate)
	if cfLen > n {
		cfLen = n
	}
	if cfLen <= 0 {
		return plain()
	}

	preTail := pendingTail[:len(pendingTail)-cfLen]
	tailOverlap := pendingTail[len(pendingTail)-cfLen:]
	headOverlap := chunk[:cfLen]
	blended := audio.EqualPowerCrossfade(tailOverlap, headOverlap, cfLen)

	appended = append(append([]float32(nil), preTail...), blended...)
	if cfLen < len(body) {
		appended = append(appended, body[cfLen:]...)
	}

	j.joinCount++
	return appended, reserved
}

func (j *joinScheduler) reset() {
	j.joinCount = 0
}

func msToSamples(ms, rate int) int {
	if ms <= 0 || rate <= 0 {
		return 0
	}
	return ms * rate / 1000
}
