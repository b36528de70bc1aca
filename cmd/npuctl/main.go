// Package main provides a diagnostic CLI for the NPU device backend, driven
// against the in-process SimDriver rather than a real accelerator.
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/born-ml/born-npu/internal/npu/device"
	"github.com/born-ml/born-npu/internal/npu/queue"
	"github.com/born-ml/born-npu/npu"
)

const version = "v0.0.1-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("npuctl %s\n", version)
	case "demo":
		runDemo()
	default:
		usage()
	}
}

func usage() {
	fmt.Println("npuctl - NPU allocator and launch queue diagnostics")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  demo       Allocate, split, free, and snapshot against a simulated device")
}

// runDemo exercises the allocator and launch queue against a 64 MiB
// simulated device, printing a snapshot and the final device stats.
func runDemo() {
	drv := device.NewSimDriver()
	drv.SetDeviceMemory(0, 64<<20)

	d, err := npu.NewDevice(drv, 0, nil)
	must(err)
	s0 := d.NewStream()

	p1, err := d.RawAllocWithStream(512<<10, s0)
	must(err)
	p2, err := d.RawAllocWithStream(512<<10, s0)
	must(err)
	fmt.Printf("allocated p1=%#x p2=%#x on one 2 MiB small-pool segment\n", p1, p2)

	must(d.RawDelete(p1))
	must(d.RawDelete(p2))

	for _, seg := range d.Snapshot() {
		fmt.Printf("segment %s: base=%#x total=%d blocks=%d\n", seg.ID, seg.BasePtr, seg.TotalSize, len(seg.Blocks))
	}

	var executed int
	cb := queue.Callbacks{
		RecordSize:       8,
		CopyIn:           func(slot, record []byte) { copy(slot, record) },
		NewBuffer:        func(size int) []byte { return make([]byte, size) },
		DeleteBuffer:     func([]byte) {},
		CopyReleaseParam: func(buf, slot []byte) { copy(buf, slot) },
		ReleaseParam:     func([]byte) {},
		Execute: func(slot []byte) error {
			executed++
			_ = binary.LittleEndian.Uint64(slot)
			return nil
		},
	}

	lq := npu.NewLaunchQueue(cb, nil, nil)
	for i := uint64(0); i < 16; i++ {
		rec := make([]byte, 8)
		binary.LittleEndian.PutUint64(rec, i)
		must(lq.Enqueue(rec))
	}
	_, err = lq.MakeSureQueueEmpty()
	must(err)
	fmt.Printf("launch queue executed %d records\n", executed)

	stats := d.GetDeviceStats()
	fmt.Printf("device stats: allocated=%d reserved=%d active=%d num_ooms=%d\n",
		stats.Aggregate.AllocatedBytes.Allocated, stats.Aggregate.ReservedBytes.Current,
		stats.Aggregate.ActiveBytes.Current, stats.NumOOMs)
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "npuctl:", err)
		os.Exit(1)
	}
}
