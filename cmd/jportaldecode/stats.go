package main

import (
	"log"

	"github.com/aclements/go-moremath/scale"
	"github.com/aclements/go-moremath/vec"
)

// statsSummary logs a log-scale histogram of per-thread decode-error
// counts, the same binning idiom cmd/memlat's latencyHistogram uses
// for memory-latency distributions: a scale.Log maps each count into
// [0,1), which is then binned linearly.
func statsSummary(counts map[uint64]int) {
	if len(counts) == 0 {
		return
	}
	max := 1
	for _, c := range counts {
		if c+1 > max {
			max = c + 1
		}
	}
	scaler, err := scale.NewLog(1, float64(max), 10)
	if err != nil {
		log.Printf("jportaldecode: stats: %v", err)
		return
	}
	scaler.Nice(scale.TickOptions{Max: 6})

	const bins = 10
	hist := make([]int, bins)
	for _, c := range counts {
		b := int(scaler.Map(float64(c+1)) * bins)
		if b < 0 {
			b = 0
		}
		if b >= bins {
			b = bins - 1
		}
		hist[b]++
	}

	major, minor := scaler.Ticks(scale.TickOptions{Max: 6})
	majorX, minorX := vec.Map(scaler.Map, major), vec.Map(scaler.Map, minor)
	log.Printf("jportaldecode: decode-error histogram (ticks at %v, mapped %v/%v): %v", major, majorX, minorX, hist)
}
