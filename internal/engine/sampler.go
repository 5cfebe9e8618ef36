package engine

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

// SamplerConfig controls token selection from logits. RepetitionPenalty
// above 1 divides positive logits (and multiplies negative ones) of token
// ids seen in the last RepeatWindow positions of the history.
type SamplerConfig struct {
	Temperature       float32 `json:"temperature"`
	TopK              int     `json:"top_k"`
	TopP              float32 `json:"top_p"`
	RepetitionPenalty float32 `json:"repetition_penalty,omitempty"`
	RepeatWindow      int     `json:"repeat_window,omitempty"`
	Seed              int64   `json:"seed"`
}

const defaultRepeatWindow = 64

func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Temperature: 0.8,
		TopK:        40,
		TopP:        0.95,
	}
}

// Sampler draws tokens from logits. Temperature 0 is deterministic argmax;
// otherwise softmax with top-k and top-p truncation, seeded for replay.
type Sampler struct {
	cfg SamplerConfig
	rng *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

type candidate struct {
	id   int
	prob float32
}

// Sample picks a token id from a logits vector. history holds previously
// emitted ids for the repetition penalty; it may be nil and is not mutated.
func (s *Sampler) Sample(logits []float32, history []int) (int, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("sample: empty logits")
	}
	if err := validateLogits(logits); err != nil {
		return 0, err
	}

	if s.cfg.RepetitionPenalty > 1 && len(history) > 0 {
		s.penalizeRepeats(logits, history)
	}

	if s.cfg.Temperature <= 0 {
		return argMax(logits), nil
	}

	probs := softmaxWithTemperature(logits, s.cfg.Temperature)

	cands := make([]candidate, 0, len(probs))
	for id, p := range probs {
		if p > 0 {
			cands = append(cands, candidate{id: id, prob: p})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })

	if s.cfg.TopK > 0 && s.cfg.TopK < len(cands) {
		cands = cands[:s.cfg.TopK]
	}
	if s.cfg.TopP > 0 && s.cfg.TopP < 1 {
		cands = truncateTopP(cands, s.cfg.TopP)
	}
	return s.drawFrom(cands), nil
}

// penalizeRepeats dampens each distinct id in the recent history window.
// Positive logits shrink toward zero, negative ones move further away, so
// the penalty discourages a token regardless of the logit's sign.
func (s *Sampler) penalizeRepeats(logits []float32, history []int) {
	window := s.cfg.RepeatWindow
	if window <= 0 {
		window = defaultRepeatWindow
	}
	start := len(history) - window
	if start < 0 {
		start = 0
	}

	seen := make(map[int]struct{}, window)
	for _, id := range history[start:] {
		if id < 0 || id >= len(logits) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if logits[id] > 0 {
			logits[id] /= s.cfg.RepetitionPenalty
		} else {
			logits[id] *= s.cfg.RepetitionPenalty
		}
	}
}

func validateLogits(logits []float32) error {
	for i, v := range logits {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("sample: non-finite logit %g at index %d", v, i)
		}
	}
	return nil
}

func argMax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

func softmaxWithTemperature(logits []float32, temp float32) []float32 {
	maxLogit := logits[argMax(logits)]

	probs := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64((v - maxLogit) / temp))
		probs[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range probs {
		probs[i] *= inv
	}
	return probs
}

// truncateTopP keeps the smallest prefix of the sorted candidates whose
// cumulative probability reaches p. Always keeps at least one.
func truncateTopP(cands []candidate, p float32) []candidate {
	var cum float32
	for i, c := range cands {
		cum += c.prob
		if cum >= p {
			return cands[:i+1]
		}
	}
	return cands
}

func (s *Sampler) drawFrom(cands []candidate) int {
	var total float32
	for _, c := range cands {
		total += c.prob
	}
	r := s.rng.Float32() * total
	for _, c := range cands {
		r -= c.prob
		if r <= 0 {
			return c.id
		}
	}
	return cands[len(cands)-1].id
}
