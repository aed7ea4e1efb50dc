package flow

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

var workers = defaultWorkers()

func defaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// SetWorkers sets how many goroutines the convolution kernels may use.
// Values below 1 restore the detected CPU count.
func SetWorkers(n int) {
	if n < 1 {
		n = defaultWorkers()
	}
	workers = n
}

// Workers returns the current kernel parallelism.
func Workers() int {
	return workers
}

// CPUInfo describes the host CPU for startup logs.
func CPUInfo() string {
	return fmt.Sprintf("%s (%d physical / %d logical cores, avx2=%v)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2))
}

// forEach runs body(i) for i in [0, length) on at most limit goroutines.
func forEach(length, limit int, body func(i int)) {
	if limit <= 0 {
		limit = 1
	}
	if length <= 0 {
		return
	}
	if limit == 1 || length == 1 {
		for i := 0; i < length; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)
	for i := 0; i < length; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			body(i)
		}(i)
	}
	wg.Wait()
}
