package status

import (
	"sync/atomic"
	"time"

	"github.com/mikeyg42/kitchensentry/internal/detection"
	"github.com/mikeyg42/kitchensentry/internal/frying"
	"github.com/mikeyg42/kitchensentry/internal/lifecycle"
	"github.com/mikeyg42/kitchensentry/internal/schedule"
	"github.com/mikeyg42/kitchensentry/internal/storage"
	"github.com/mikeyg42/kitchensentry/internal/vibration"
)

// DiskStatus reports free space on the artifact volume.
type DiskStatus struct {
	Path   string `json:"path"`
	FreeMB uint64 `json:"free_mb"`
}

// Snapshot is the rig's full state at one instant, shaped for the API and
// websocket feed.
type Snapshot struct {
	Initialized bool                   `json:"initialized"`
	Timestamp   float64                `json:"timestamp"`
	Services    []lifecycle.Record     `json:"services"`
	Scheduler   *schedule.Status       `json:"scheduler,omitempty"`
	Detection   *detection.Status      `json:"detection,omitempty"`
	Vibration   *vibration.Status      `json:"vibration,omitempty"`
	Frying      *frying.Status         `json:"frying,omitempty"`
	Alerts      []vibration.Alert      `json:"alerts"`
	Disk        *DiskStatus            `json:"disk,omitempty"`
	Archive     map[string]interface{} `json:"archive,omitempty"`
}

// Sources wires the aggregator to its providers. Nil entries leave the
// matching snapshot section empty.
type Sources struct {
	Manager   *lifecycle.Manager
	Scheduler func(now time.Time) schedule.Status
	Detection func() detection.Status
	Vibration func() vibration.Status
	Frying    func() frying.Status
	Archive   func() map[string]interface{}
	DiskPath  string
}

// Aggregator builds snapshots by polling each subsystem. It holds no
// derived state of its own, so concurrent readers are safe.
type Aggregator struct {
	src         Sources
	dispatcher  *Dispatcher
	initialized atomic.Bool
}

// NewAggregator builds an aggregator over the given sources. dispatcher
// may be nil when alert history is not wanted in snapshots.
func NewAggregator(src Sources, dispatcher *Dispatcher) *Aggregator {
	return &Aggregator{src: src, dispatcher: dispatcher}
}

// MarkInitialized flips the snapshot's initialized flag once startup
// wiring is finished.
func (a *Aggregator) MarkInitialized() { a.initialized.Store(true) }

// Snapshot polls every configured source.
func (a *Aggregator) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Initialized: a.initialized.Load(),
		Timestamp:   float64(now.UnixNano()) / float64(time.Second),
	}

	if a.src.Manager != nil {
		snap.Services = a.src.Manager.AllStatuses()
	}
	if a.src.Scheduler != nil {
		st := a.src.Scheduler(now)
		snap.Scheduler = &st
	}
	if a.src.Detection != nil {
		st := a.src.Detection()
		snap.Detection = &st
	}
	if a.src.Vibration != nil {
		st := a.src.Vibration()
		snap.Vibration = &st
	}
	if a.src.Frying != nil {
		st := a.src.Frying()
		snap.Frying = &st
	}
	if a.dispatcher != nil {
		snap.Alerts = a.dispatcher.Recent(0)
	}
	if snap.Alerts == nil {
		snap.Alerts = []vibration.Alert{}
	}
	if a.src.Archive != nil {
		snap.Archive = a.src.Archive()
	}
	if a.src.DiskPath != "" {
		if free, err := storage.FreeDiskMB(a.src.DiskPath); err == nil {
			snap.Disk = &DiskStatus{Path: a.src.DiskPath, FreeMB: free}
		}
	}

	return snap
}
