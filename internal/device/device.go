package device

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
)

// Kind names a compute placement.
type Kind string

const (
	CPU         Kind = "cpu"
	Accelerator Kind = "accelerator"
	Auto        Kind = "auto"
)

// EnvVar overrides the placement chosen by Default.
const EnvVar = "RETINA_DEVICE"

// minChunk keeps tiny loops on the calling goroutine.
const minChunk = 16

// Device describes where tensor kernels run.
type Device struct {
	Kind     Kind
	Workers  int
	Features []string
}

var (
	once     sync.Once
	selected Device
)

// Default returns the process-wide device, resolved on first use.
func Default() Device {
	once.Do(func() {
		kind, err := Parse(os.Getenv(EnvVar))
		if err != nil {
			log.Printf("device: %v, using %s", err, Auto)
			kind = Auto
		}
		selected, err = Resolve(kind)
		if err != nil {
			log.Printf("device: %v, falling back to %s", err, selected.Kind)
		}
	})
	return selected
}

// Parse maps a config or environment value to a Kind. Empty means auto.
func Parse(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case "", Auto:
		return Auto, nil
	case CPU:
		return CPU, nil
	case Accelerator, "cuda", "gpu":
		return Accelerator, nil
	default:
		return "", fmt.Errorf("device: unknown kind %q", value)
	}
}

// ErrNoAccelerator reports a request for an accelerator in a build that has
// no accelerator backend.
var ErrNoAccelerator = errors.New("no accelerator backend compiled in")

// Resolve builds a Device for kind. Auto and CPU resolve to the CPU; an
// accelerator request also returns the CPU device, together with
// ErrNoAccelerator so the caller can report the fallback.
func Resolve(kind Kind) (Device, error) {
	cpuDev := Device{
		Kind:     CPU,
		Workers:  runtime.GOMAXPROCS(0),
		Features: cpuFeatures(),
	}
	switch kind {
	case Auto, CPU, "":
		return cpuDev, nil
	case Accelerator:
		return cpuDev, fmt.Errorf("%s: %w", kind, ErrNoAccelerator)
	default:
		return cpuDev, fmt.Errorf("device: unknown kind %q", kind)
	}
}

func (d Device) String() string {
	if len(d.Features) == 0 {
		return fmt.Sprintf("%s(workers=%d)", d.Kind, d.Workers)
	}
	return fmt.Sprintf("%s(workers=%d features=%s)", d.Kind, d.Workers, strings.Join(d.Features, ","))
}

// For runs fn(i) for i in [0, n), split across the device workers.
func (d Device) For(n int, fn func(i int)) {
	workers := d.Workers
	if workers <= 1 || n < minChunk {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	chunk := (n + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}

func cpuFeatures() []string {
	var features []string
	if cpu.X86.HasAVX2 {
		features = append(features, "avx2")
	}
	if cpu.X86.HasAVX512F {
		features = append(features, "avx512f")
	}
	if cpu.X86.HasFMA {
		features = append(features, "fma")
	}
	if cpu.ARM64.HasASIMD {
		features = append(features, "asimd")
	}
	return features
}
