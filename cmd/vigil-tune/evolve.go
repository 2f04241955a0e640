package main

import (
	"fmt"
	"math/rand"
	"sort"

	"gocv.io/x/gocv"
	"go.uber.org/zap"

	"vigil/internal/motion"
)

var kernelSizes = []int{4, 8, 12}

const (
	historyMin = 2
	historyMax = 24
	areaMin    = 8
	areaMax    = 2048
	threshMin  = 8
	threshMax  = 2048
	totalMin   = 8
	totalMax   = 8912
	fgMin      = 0.02
	fgMax      = 0.6
)

// MotionParams is one candidate parameter set under evolution.
type MotionParams struct {
	History            int     `json:"history"`
	KernelSize         int     `json:"kernel_size"`
	MinArea            int     `json:"min_area"`
	BinarizeThreshold  int     `json:"binarize_threshold"`
	AreaThreshold      int     `json:"area_threshold"`
	MaxForegroundRatio float64 `json:"max_foreground_ratio"`
}

func (p MotionParams) label() string {
	return fmt.Sprintf("h%d_k%d_a%d_t%d_ar%d_fg%d",
		p.History, p.KernelSize, p.MinArea, p.BinarizeThreshold,
		p.AreaThreshold, int(p.MaxForegroundRatio*1000))
}

func (p MotionParams) toConfig(warmup int) motion.Config {
	return motion.Config{
		History:            p.History,
		KernelSize:         p.KernelSize,
		MinArea:            p.MinArea,
		BinarizeThreshold:  p.BinarizeThreshold,
		AreaThreshold:      p.AreaThreshold,
		WarmupFrames:       warmup,
		MaxForegroundRatio: p.MaxForegroundRatio,
	}
}

func randomParams(rng *rand.Rand) MotionParams {
	return MotionParams{
		History:            historyMin + rng.Intn(historyMax-historyMin+1),
		KernelSize:         kernelSizes[rng.Intn(len(kernelSizes))],
		MinArea:            areaMin + rng.Intn(areaMax-areaMin+1),
		BinarizeThreshold:  threshMin + rng.Intn(threshMax-threshMin+1),
		AreaThreshold:      totalMin + rng.Intn(totalMax-totalMin+1),
		MaxForegroundRatio: fgMin + rng.Float64()*(fgMax-fgMin),
	}
}

func crossover(rng *rand.Rand, a, b MotionParams) MotionParams {
	pick := func(x, y int) int {
		if rng.Intn(2) == 0 {
			return x
		}
		return y
	}
	child := MotionParams{
		History:            pick(a.History, b.History),
		KernelSize:         pick(a.KernelSize, b.KernelSize),
		MinArea:            pick(a.MinArea, b.MinArea),
		BinarizeThreshold:  pick(a.BinarizeThreshold, b.BinarizeThreshold),
		AreaThreshold:      pick(a.AreaThreshold, b.AreaThreshold),
		MaxForegroundRatio: a.MaxForegroundRatio,
	}
	if rng.Intn(2) == 0 {
		child.MaxForegroundRatio = b.MaxForegroundRatio
	}
	return child
}

const mutationRate = 0.3

func mutate(rng *rand.Rand, p MotionParams) MotionParams {
	if rng.Float64() < mutationRate {
		p.History = clampInt(p.History+step(rng, 4), historyMin, historyMax)
	}
	if rng.Float64() < mutationRate {
		p.KernelSize = kernelSizes[rng.Intn(len(kernelSizes))]
	}
	if rng.Float64() < mutationRate {
		p.MinArea = clampInt(p.MinArea+step(rng, 128), areaMin, areaMax)
	}
	if rng.Float64() < mutationRate {
		p.BinarizeThreshold = clampInt(p.BinarizeThreshold+step(rng, 128), threshMin, threshMax)
	}
	if rng.Float64() < mutationRate {
		p.AreaThreshold = clampInt(p.AreaThreshold+step(rng, 256), totalMin, totalMax)
	}
	if rng.Float64() < mutationRate {
		delta := (rng.Float64()*2 - 1) * 0.08
		p.MaxForegroundRatio = clampFloat(p.MaxForegroundRatio+delta, fgMin, fgMax)
	}
	return p
}

// step returns a non-zero delta in [-max, max].
func step(rng *rand.Rand, max int) int {
	d := 1 + rng.Intn(max)
	if rng.Intn(2) == 0 {
		return -d
	}
	return d
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// motionWindow marks the frame index range where the recording is known to
// contain motion. A negative range means no frame should trigger.
type motionWindow struct {
	start int
	end   int
}

func (w motionWindow) expects(index int) bool {
	return w.start >= 0 && index >= w.start && index <= w.end
}

// evaluate replays the frames through a fresh detector and counts the
// frames whose verdict disagrees with the labeled window. Warmup frames do
// not count.
func evaluate(params MotionParams, frames []gocv.Mat, window motionWindow, warmup int, logger *zap.Logger) int {
	detector := motion.NewDetector("tune", params.toConfig(warmup), logger)
	defer detector.Close()

	invalid := 0
	for i, frame := range frames {
		boxes := detector.Detect(frame)
		if i < warmup {
			continue
		}
		if (len(boxes) > 0) != window.expects(i) {
			invalid++
		}
	}
	return invalid
}

type candidate struct {
	params  MotionParams
	invalid int
}

// evolve runs the genetic search and returns the best candidate found.
func evolve(rng *rand.Rand, frames []gocv.Mat, window motionWindow, warmup, generations, popSize, eliteSize int, logger *zap.Logger) candidate {
	if eliteSize < 1 {
		eliteSize = 1
	}
	if eliteSize > popSize {
		eliteSize = popSize
	}

	population := make([]MotionParams, popSize)
	for i := range population {
		population[i] = randomParams(rng)
	}

	var best candidate
	for gen := 0; gen < generations; gen++ {
		scored := make([]candidate, len(population))
		for i, params := range population {
			scored[i] = candidate{
				params:  params,
				invalid: evaluate(params, frames, window, warmup, logger),
			}
		}
		sort.SliceStable(scored, func(i, j int) bool {
			return scored[i].invalid < scored[j].invalid
		})

		best = scored[0]
		logger.Info("generation complete",
			zap.Int("generation", gen),
			zap.String("best", best.params.label()),
			zap.Int("invalid", best.invalid))
		if best.invalid == 0 {
			return best
		}

		next := make([]MotionParams, 0, popSize)
		for i := 0; i < eliteSize; i++ {
			next = append(next, scored[i].params)
		}
		for len(next) < popSize {
			a := scored[rng.Intn(eliteSize)].params
			b := scored[rng.Intn(eliteSize)].params
			next = append(next, mutate(rng, crossover(rng, a, b)))
		}
		population = next
	}
	return best
}
