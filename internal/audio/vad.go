package audio

import (
	"math"
)

// vadFrameSize is the analysis window in samples: 32 ms at 16 kHz.
const vadFrameSize = 512

// minSpeechDurationMs drops regions too short to carry a word.
const minSpeechDurationMs = 250

// speechRegion is a half-open sample range [Start, End) of detected speech.
type speechRegion struct {
	Start int
	End   int
}

// vadOptions mirror the tunable detection parameters.
type vadOptions struct {
	// Threshold is the speech probability cutoff in [0,1]. Frame energy
	// is normalized against the loudest frame, so higher values keep
	// only the clearly voiced parts.
	Threshold float64
	// MinSilenceMs is how long a quiet stretch must be before it splits
	// two speech regions.
	MinSilenceMs int
	// SpeechPadMs widens each region on both sides so word onsets are
	// not clipped.
	SpeechPadMs int
}

// detectSpeech returns the speech regions in samples. A frame counts as
// speech while its normalized RMS energy is at or above the threshold;
// once in speech, the region stays open until energy drops below the
// exit threshold for at least MinSilenceMs. The exit threshold sits
// slightly below the entry one so energy wobbling around the cutoff does
// not shred regions.
func detectSpeech(samples []float32, sampleRate int, opts vadOptions) []speechRegion {
	if len(samples) == 0 || sampleRate <= 0 {
		return nil
	}

	threshold := opts.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	exitThreshold := threshold - 0.15
	if exitThreshold < 0.01 {
		exitThreshold = 0.01
	}

	energies := frameEnergies(samples)
	peak := 0.0
	for _, e := range energies {
		if e > peak {
			peak = e
		}
	}
	if peak == 0 {
		return nil
	}

	minSilenceFrames := msToFrames(opts.MinSilenceMs, sampleRate)
	minSpeechFrames := msToFrames(minSpeechDurationMs, sampleRate)

	var regions []speechRegion
	inSpeech := false
	regionStart := 0
	silenceRun := 0

	for i, e := range energies {
		p := e / peak
		switch {
		case !inSpeech && p >= threshold:
			inSpeech = true
			regionStart = i
			silenceRun = 0
		case inSpeech && p < exitThreshold:
			silenceRun++
			if silenceRun >= minSilenceFrames {
				end := i - silenceRun + 1
				if end-regionStart >= minSpeechFrames {
					regions = append(regions, frameRegion(regionStart, end, len(samples)))
				}
				inSpeech = false
				silenceRun = 0
			}
		case inSpeech:
			silenceRun = 0
		}
	}
	if inSpeech {
		end := len(energies) - silenceRun
		if end-regionStart >= minSpeechFrames {
			regions = append(regions, frameRegion(regionStart, end, len(samples)))
		}
	}

	return padAndMerge(regions, sampleRate, opts.SpeechPadMs, len(samples))
}

// frameEnergies computes per-frame RMS over non-overlapping windows.
func frameEnergies(samples []float32) []float64 {
	n := (len(samples) + vadFrameSize - 1) / vadFrameSize
	energies := make([]float64, n)
	for i := 0; i < n; i++ {
		start := i * vadFrameSize
		end := start + vadFrameSize
		if end > len(samples) {
			end = len(samples)
		}
		var sum float64
		for _, s := range samples[start:end] {
			sum += float64(s) * float64(s)
		}
		energies[i] = math.Sqrt(sum / float64(end-start))
	}
	return energies
}

func msToFrames(ms, sampleRate int) int {
	frames := ms * sampleRate / 1000 / vadFrameSize
	if frames < 1 {
		frames = 1
	}
	return frames
}

func frameRegion(startFrame, endFrame, totalSamples int) speechRegion {
	start := startFrame * vadFrameSize
	end := endFrame * vadFrameSize
	if end > totalSamples {
		end = totalSamples
	}
	return speechRegion{Start: start, End: end}
}

// padAndMerge widens regions by the pad and merges any that now overlap.
func padAndMerge(regions []speechRegion, sampleRate, padMs, totalSamples int) []speechRegion {
	if len(regions) == 0 {
		return nil
	}
	pad := padMs * sampleRate / 1000

	out := make([]speechRegion, 0, len(regions))
	for _, r := range regions {
		r.Start -= pad
		r.End += pad
		if r.Start < 0 {
			r.Start = 0
		}
		if r.End > totalSamples {
			r.End = totalSamples
		}
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// collectChunks slices each speech region into chunks no longer than
// maxDuration seconds. Each chunk keeps its exact start offset in the
// original audio so segment timestamps can be mapped back globally.
func collectChunks(samples []float32, regions []speechRegion, sampleRate int, maxDuration float64) ([]Chunk, []ChunkMeta) {
	if maxDuration <= 0 {
		maxDuration = 30
	}
	maxSamples := int(maxDuration * float64(sampleRate))
	if maxSamples < 1 {
		maxSamples = 1
	}

	var chunks []Chunk
	var metas []ChunkMeta
	for _, r := range regions {
		for start := r.Start; start < r.End; start += maxSamples {
			end := start + maxSamples
			if end > r.End {
				end = r.End
			}
			if end <= start {
				continue
			}
			chunk := make(Chunk, end-start)
			copy(chunk, samples[start:end])
			chunks = append(chunks, chunk)
			metas = append(metas, ChunkMeta{
				Offset:   float64(start) / float64(sampleRate),
				Duration: float64(end-start) / float64(sampleRate),
			})
		}
	}
	return chunks, metas
}
