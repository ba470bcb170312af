package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRate = 16000

func silence(durationSec float64, rate int) []float32 {
	return make([]float32, int(durationSec*float64(rate)))
}

func concat(parts ...[]float32) []float32 {
	var out []float32
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func defaultVADOptions() vadOptions {
	return vadOptions{Threshold: 0.5, MinSilenceMs: 500, SpeechPadMs: 100}
}

func TestDetectSpeech_SilenceOnly(t *testing.T) {
	regions := detectSpeech(silence(2, testRate), testRate, defaultVADOptions())
	assert.Empty(t, regions)
}

func TestDetectSpeech_Empty(t *testing.T) {
	assert.Empty(t, detectSpeech(nil, testRate, defaultVADOptions()))
}

func TestDetectSpeech_SingleBurst(t *testing.T) {
	samples := concat(
		silence(1, testRate),
		sine(1, testRate, 0.8),
		silence(1, testRate),
	)

	regions := detectSpeech(samples, testRate, defaultVADOptions())
	require.Len(t, regions, 1)

	start := float64(regions[0].Start) / testRate
	end := float64(regions[0].End) / testRate
	assert.InDelta(t, 1.0, start, 0.15, "region should start near 1s (minus pad)")
	assert.InDelta(t, 2.0, end, 0.7, "region should end near 2s (plus pad and silence run)")
}

func TestDetectSpeech_MinSilenceMerges(t *testing.T) {
	samples := concat(
		sine(0.5, testRate, 0.8),
		silence(0.3, testRate),
		sine(0.5, testRate, 0.8),
	)

	// The 300ms gap is shorter than 500ms of required silence: one region.
	merged := detectSpeech(samples, testRate, vadOptions{Threshold: 0.5, MinSilenceMs: 500})
	assert.Len(t, merged, 1)

	// With 100ms of required silence the gap splits the bursts.
	split := detectSpeech(samples, testRate, vadOptions{Threshold: 0.5, MinSilenceMs: 100})
	assert.Len(t, split, 2)
}

func TestDetectSpeech_ThresholdFiltersQuietAudio(t *testing.T) {
	samples := concat(
		sine(1, testRate, 0.05),
		silence(1, testRate),
		sine(1, testRate, 1.0),
	)

	regions := detectSpeech(samples, testRate, vadOptions{Threshold: 0.5, MinSilenceMs: 300})
	require.Len(t, regions, 1)
	assert.GreaterOrEqual(t, regions[0].Start, int(1.5*testRate),
		"only the loud burst should register")
}

func TestDetectSpeech_DropsBlips(t *testing.T) {
	samples := concat(
		silence(1, testRate),
		sine(0.05, testRate, 0.8), // 50ms blip, under the 250ms minimum
		silence(1, testRate),
	)

	regions := detectSpeech(samples, testRate, defaultVADOptions())
	assert.Empty(t, regions)
}

func TestPadAndMerge(t *testing.T) {
	regions := []speechRegion{
		{Start: 1000, End: 2000},
		{Start: 2100, End: 3000},
	}

	// 100ms pad at 16kHz is 1600 samples: the padded regions overlap.
	merged := padAndMerge(regions, testRate, 100, 100000)
	require.Len(t, merged, 1)
	assert.Equal(t, 0, merged[0].Start, "pad clamps at zero")
	assert.Equal(t, 4600, merged[0].End)
}

func TestCollectChunks_SplitsAtMaxDuration(t *testing.T) {
	samples := make([]float32, 70*testRate)
	regions := []speechRegion{{Start: 0, End: len(samples)}}

	chunks, metas := collectChunks(samples, regions, testRate, 30)
	require.Len(t, chunks, 3)
	require.Len(t, metas, 3)

	assert.InDelta(t, 0.0, metas[0].Offset, 1e-9)
	assert.InDelta(t, 30.0, metas[0].Duration, 1e-9)
	assert.InDelta(t, 30.0, metas[1].Offset, 1e-9)
	assert.InDelta(t, 30.0, metas[1].Duration, 1e-9)
	assert.InDelta(t, 60.0, metas[2].Offset, 1e-9)
	assert.InDelta(t, 10.0, metas[2].Duration, 1e-9)

	assert.Len(t, chunks[0], 30*testRate)
	assert.Len(t, chunks[2], 10*testRate)
}

func TestCollectChunks_OffsetsTrackRegions(t *testing.T) {
	samples := make([]float32, 10*testRate)
	regions := []speechRegion{
		{Start: 1 * testRate, End: 3 * testRate},
		{Start: 5 * testRate, End: 6 * testRate},
	}

	chunks, metas := collectChunks(samples, regions, testRate, 30)
	require.Len(t, chunks, 2)
	assert.InDelta(t, 1.0, metas[0].Offset, 1e-9)
	assert.InDelta(t, 2.0, metas[0].Duration, 1e-9)
	assert.InDelta(t, 5.0, metas[1].Offset, 1e-9)
	assert.InDelta(t, 1.0, metas[1].Duration, 1e-9)
}

func TestCollectChunks_NoRegions(t *testing.T) {
	chunks, metas := collectChunks(make([]float32, testRate), nil, testRate, 30)
	assert.Empty(t, chunks)
	assert.Empty(t, metas)
}
