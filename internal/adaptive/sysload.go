package adaptive

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Throughput ceilings used to turn raw counter deltas into 0.0-1.0 gauges.
// Tuned for the gigabit-class hosts the platform deploys on.
const (
	maxNetworkBytesPerSec = 125_000_000 // ~1 Gbit/s
	maxDiskBytesPerSec    = 500_000_000 // ~SATA SSD sequential
)

// LoadCollector samples host gauges via gopsutil and feeds the controller's
// SystemLoad snapshot on a fixed interval.
type LoadCollector struct {
	controller *Controller
	interval   time.Duration
	log        zerolog.Logger

	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool

	lastNetBytes  uint64
	lastDiskBytes uint64
	lastSample    time.Time
}

// NewLoadCollector creates a collector that updates the controller every interval.
func NewLoadCollector(controller *Controller, interval time.Duration, log zerolog.Logger) *LoadCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &LoadCollector{
		controller: controller,
		interval:   interval,
		log:        log.With().Str("component", "load_collector").Logger(),
		stop:       make(chan struct{}),
	}
}

// Start begins sampling in the background.
func (lc *LoadCollector) Start() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.started {
		return
	}
	select {
	case <-lc.stop:
		// Restart after a Stop needs a fresh channel.
		lc.stop = make(chan struct{})
	default:
	}
	lc.started = true

	stop := lc.stop
	ticker := time.NewTicker(lc.interval)
	lc.wg.Add(1)
	go func() {
		defer lc.wg.Done()
		lc.sample()
		for {
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
				lc.sample()
			}
		}
	}()
	lc.log.Info().Dur("interval", lc.interval).Msg("Load collector started")
}

// Stop halts sampling and waits for the goroutine to finish.
func (lc *LoadCollector) Stop() {
	lc.mu.Lock()
	if !lc.started {
		lc.mu.Unlock()
		return
	}
	close(lc.stop)
	lc.started = false
	lc.mu.Unlock()
	lc.wg.Wait()
}

// sample reads host gauges and pushes a fresh SystemLoad snapshot.
// Individual probe failures leave that gauge at zero rather than aborting.
func (lc *LoadCollector) sample() {
	var load SystemLoad

	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		load.CPU = clamp01(percents[0] / 100.0)
	} else if err != nil {
		lc.log.Debug().Err(err).Msg("CPU sample failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		load.Memory = clamp01(vm.UsedPercent / 100.0)
	} else {
		lc.log.Debug().Err(err).Msg("Memory sample failed")
	}

	now := time.Now()
	elapsed := now.Sub(lc.lastSample).Seconds()

	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		total := counters[0].BytesSent + counters[0].BytesRecv
		if lc.lastNetBytes > 0 && elapsed > 0 {
			rate := float64(total-lc.lastNetBytes) / elapsed
			load.Network = clamp01(rate / maxNetworkBytesPerSec)
		}
		lc.lastNetBytes = total
	} else if err != nil {
		lc.log.Debug().Err(err).Msg("Network sample failed")
	}

	if counters, err := disk.IOCounters(); err == nil {
		var total uint64
		for _, c := range counters {
			total += c.ReadBytes + c.WriteBytes
		}
		if lc.lastDiskBytes > 0 && elapsed > 0 {
			rate := float64(total-lc.lastDiskBytes) / elapsed
			load.IO = clamp01(rate / maxDiskBytesPerSec)
		}
		lc.lastDiskBytes = total
	} else {
		lc.log.Debug().Err(err).Msg("Disk sample failed")
	}

	lc.lastSample = now
	lc.controller.UpdateSystemLoad(load)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
