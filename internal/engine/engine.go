// ABOUTME: Sync engine that drives fetch, batched store writes, and snapshot archiving.
// ABOUTME: Runs one sync at a time, on a schedule or on demand, with progress reporting and cancellation.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jfeddern/VulnLedger/internal/batch"
	"github.com/jfeddern/VulnLedger/internal/cache"
	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/store"
	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/jfeddern/VulnLedger/internal/vanta"
	"github.com/sirupsen/logrus"
)

// ErrCancelled is returned by Sync when Cancel was called while it ran.
var ErrCancelled = errors.New("sync cancelled")

// Fetcher walks the remote listings page by page
type Fetcher interface {
	FetchVulnerabilities(ctx context.Context, pageSize int, filters vanta.Filters, onBatch vanta.BatchFunc) ([]payload.Object, error)
	FetchRemediations(ctx context.Context, pageSize int, filters vanta.Filters, onBatch vanta.BatchFunc) ([]payload.Object, error)
}

// Store is the change-tracking persistence the engine writes to and reads from
type Store interface {
	StoreVulnerabilities(ctx context.Context, records []payload.Object, trackChanges bool) (types.StoreResult, error)
	StoreRemediations(ctx context.Context, records []payload.Object) (types.StoreResult, error)
	ReadAllVulnerabilities(ctx context.Context) ([]types.Vulnerability, error)
	ReadAllRemediations(ctx context.Context) ([]types.Remediation, error)
	LastUpdateTime(ctx context.Context) (time.Time, bool, error)
	History(ctx context.Context, vulnID string) ([]types.ChangeEvent, error)
	SyncRuns(ctx context.Context, limit int) ([]types.SyncRun, error)
}

// Archiver keeps a copy of each fetched snapshot outside the store
type Archiver interface {
	Archive(ctx context.Context, recordType types.RecordType, records []payload.Object, at time.Time) (string, error)
}

// Progress receives human-readable status lines during a sync
type Progress func(message string)

// Config holds configuration for the sync engine and its surrounding service
type Config struct {
	Port              int
	DatabasePath      string
	BaseURL           string
	PageSize          int
	BatchSize         int
	Workers           int
	SyncInterval      time.Duration
	Once              bool
	CredentialsSource string
	CredentialsFile   string
	SecretName        string
	AWSRegion         string
	ArchiveBucket     string
	MockMode          bool // Serve a fake remote API in-process for local testing
}

const (
	vulnerabilitiesKey = "vulnerabilities"
	remediationsKey    = "remediations"
)

// Engine orchestrates syncs and serves cached reads of the store
type Engine struct {
	fetcher  Fetcher
	store    Store
	archiver Archiver
	config   *Config
	logger   *logrus.Logger

	vulnCache        *cache.Cache[[]types.Vulnerability]
	remediationCache *cache.Cache[[]types.Remediation]

	// generation counts cache invalidations; a read only fills the cache if
	// no invalidation happened while it was reading the store
	cacheMu    sync.Mutex
	generation uint64

	syncMu    sync.Mutex
	cancelled atomic.Bool

	mutex        sync.RWMutex
	lastSync     *types.SyncSummary
	lastSyncTime time.Time

	newRunID func() string
	now      func() time.Time
}

// NewEngine creates a sync engine. archiver may be nil.
func NewEngine(fetcher Fetcher, st Store, archiver Archiver, config *Config, logger *logrus.Logger) *Engine {
	return &Engine{
		fetcher:          fetcher,
		store:            st,
		archiver:         archiver,
		config:           config,
		logger:           logger,
		vulnCache:        cache.New[[]types.Vulnerability](cache.DefaultTTL, logger),
		remediationCache: cache.New[[]types.Remediation](cache.DefaultTTL, logger),
		newRunID:         uuid.NewString,
		now:              time.Now,
	}
}

// Start serves from the store if it already holds data, otherwise syncs,
// then syncs again on every SyncInterval tick until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	logger := e.logger.WithField("component", "sync_engine")
	defer e.Close()

	if err := e.EnsureData(ctx, false, nil); err != nil {
		logger.WithError(err).Error("Initial sync failed")
	}

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	logger.WithField("interval", e.config.SyncInterval).Info("Starting periodic sync")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Sync engine stopping")
			return
		case <-ticker.C:
			if _, err := e.Sync(ctx, nil); err != nil {
				logger.WithError(err).Error("Sync failed")
			}
		}
	}
}

// Close releases the snapshot caches.
func (e *Engine) Close() {
	e.vulnCache.Close()
	e.remediationCache.Close()
}

// EnsureData syncs when force is set or the store has never been written;
// otherwise the stored data is served as is.
func (e *Engine) EnsureData(ctx context.Context, force bool, progress Progress) error {
	if !force {
		last, ok, err := e.store.LastUpdateTime(ctx)
		if err != nil {
			return fmt.Errorf("failed to read last update time: %w", err)
		}
		if ok {
			e.logger.WithField("last_updated", last.Format(time.RFC3339)).Info("Serving existing data from store")
			return nil
		}
	}

	_, err := e.Sync(ctx, progress)
	return err
}

// Cancel asks a running sync to stop at its next phase boundary. In-flight
// batch writes still finish; no further progress is reported.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Sync fetches active and deactivated vulnerabilities through one batch
// coordinator, then remediations through another, and archives the snapshot.
// If any batch write fails no counts are reported.
func (e *Engine) Sync(ctx context.Context, progress Progress) (*types.SyncSummary, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.cancelled.Store(false)

	summary := &types.SyncSummary{
		RunID:     e.newRunID(),
		StartedAt: e.now(),
	}
	ctx = store.WithRunID(ctx, summary.RunID)

	logger := e.logger.WithFields(logrus.Fields{
		"operation": "sync",
		"run_id":    summary.RunID,
	})
	report := func(format string, args ...any) {
		if e.cancelled.Load() || progress == nil {
			return
		}
		progress(fmt.Sprintf(format, args...))
	}

	logger.Info("Starting sync")

	vulnerabilities, vulnResult, err := e.syncVulnerabilities(ctx, report)
	if err != nil {
		return nil, e.fail(logger, err)
	}
	summary.VulnerabilitiesFetched = len(vulnerabilities)
	summary.Vulnerabilities = vulnResult
	report("Stored %d vulnerabilities (%d new, %d updated, %d remediated)",
		vulnResult.Total, vulnResult.New, vulnResult.Updated, vulnResult.Remediated)

	if e.cancelled.Load() {
		return nil, e.fail(logger, ErrCancelled)
	}

	remediations, remResult, err := e.syncRemediations(ctx, report)
	if err != nil {
		return nil, e.fail(logger, err)
	}
	summary.RemediationsFetched = len(remediations)
	summary.Remediations = remResult
	report("Stored %d remediations (%d new, %d updated)", remResult.Total, remResult.New, remResult.Updated)

	if e.cancelled.Load() {
		return nil, e.fail(logger, ErrCancelled)
	}

	summary.ArchiveURIs = e.archive(ctx, logger, summary.StartedAt, vulnerabilities, remediations)

	e.invalidateCaches()

	summary.Duration = e.now().Sub(summary.StartedAt)

	e.mutex.Lock()
	e.lastSync = summary
	e.lastSyncTime = e.now()
	e.mutex.Unlock()

	logger.WithFields(logrus.Fields{
		"duration":                summary.Duration,
		"vulnerabilities_fetched": summary.VulnerabilitiesFetched,
		"vulnerabilities_new":     vulnResult.New,
		"vulnerabilities_updated": vulnResult.Updated,
		"remediated":              vulnResult.Remediated,
		"remediations_fetched":    summary.RemediationsFetched,
	}).Info("Sync completed")
	report("Sync complete")

	return summary, nil
}

func (e *Engine) fail(logger *logrus.Entry, err error) error {
	// Partial writes are already committed; the store reflects them on the next read
	e.invalidateCaches()

	if errors.Is(err, ErrCancelled) {
		logger.Warn("Sync cancelled")
	} else {
		logger.WithError(err).Error("Sync failed")
	}
	return err
}

// writeContext keeps the run id of ctx but not its cancellation, so records
// already handed to a coordinator are written even when the sync is stopped.
func writeContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// drain waits for the coordinator's jobs after an aborted phase and joins any
// write failure onto cause.
func drain(coordinator *batch.Coordinator, cause error) error {
	if _, err := coordinator.Flush(); err != nil {
		return multierror.Append(cause, fmt.Errorf("failed to store fetched records: %w", err))
	}
	return cause
}

func (e *Engine) coordinatorOptions() batch.Options {
	return batch.Options{Threshold: e.config.BatchSize, Workers: e.config.Workers}
}

func (e *Engine) syncVulnerabilities(ctx context.Context, report func(string, ...any)) ([]payload.Object, types.StoreResult, error) {
	coordinator := batch.NewCoordinator(writeContext(ctx), func(ctx context.Context, records []payload.Object) (types.StoreResult, error) {
		return e.store.StoreVulnerabilities(ctx, records, true)
	}, e.coordinatorOptions(), e.logger)

	fetched := 0
	onBatch := func(records []payload.Object) error {
		fetched += len(records)
		report("Fetched %d vulnerabilities", fetched)
		return coordinator.Add(records)
	}

	report("Fetching active vulnerabilities")
	active, err := e.fetcher.FetchVulnerabilities(ctx, e.config.PageSize, nil, onBatch)
	if err != nil {
		return nil, types.StoreResult{}, drain(coordinator, fmt.Errorf("failed to fetch vulnerabilities: %w", err))
	}

	if e.cancelled.Load() {
		return nil, types.StoreResult{}, drain(coordinator, ErrCancelled)
	}

	report("Fetching deactivated vulnerabilities")
	deactivated, err := e.fetcher.FetchVulnerabilities(ctx, e.config.PageSize, vanta.Filters{"isDeactivated": true}, onBatch)
	if err != nil {
		return nil, types.StoreResult{}, drain(coordinator, fmt.Errorf("failed to fetch deactivated vulnerabilities: %w", err))
	}

	report("Waiting for vulnerability writes")
	result, err := coordinator.Flush()
	if err != nil {
		return nil, types.StoreResult{}, fmt.Errorf("failed to store vulnerabilities: %w", err)
	}

	all := make([]payload.Object, 0, len(active)+len(deactivated))
	all = append(all, active...)
	all = append(all, deactivated...)
	return all, result, nil
}

func (e *Engine) syncRemediations(ctx context.Context, report func(string, ...any)) ([]payload.Object, types.StoreResult, error) {
	coordinator := batch.NewCoordinator(writeContext(ctx), e.store.StoreRemediations, e.coordinatorOptions(), e.logger)

	fetched := 0
	report("Fetching remediations")
	remediations, err := e.fetcher.FetchRemediations(ctx, e.config.PageSize, nil, func(records []payload.Object) error {
		fetched += len(records)
		report("Fetched %d remediations", fetched)
		return coordinator.Add(records)
	})
	if err != nil {
		return nil, types.StoreResult{}, drain(coordinator, fmt.Errorf("failed to fetch remediations: %w", err))
	}

	result, err := coordinator.Flush()
	if err != nil {
		return nil, types.StoreResult{}, fmt.Errorf("failed to store remediations: %w", err)
	}
	return remediations, result, nil
}

func (e *Engine) archive(ctx context.Context, logger *logrus.Entry, at time.Time, vulnerabilities, remediations []payload.Object) []string {
	if e.archiver == nil {
		return nil
	}

	var uris []string
	for _, snapshot := range []struct {
		recordType types.RecordType
		records    []payload.Object
	}{
		{types.RecordTypeVulnerability, vulnerabilities},
		{types.RecordTypeRemediation, remediations},
	} {
		uri, err := e.archiver.Archive(ctx, snapshot.recordType, snapshot.records, at)
		if err != nil {
			logger.WithError(err).WithField("record_type", snapshot.recordType).Error("Failed to archive snapshot")
			continue
		}
		uris = append(uris, uri)
	}
	return uris
}

// Vulnerabilities returns the current vulnerability state, cached between syncs
func (e *Engine) Vulnerabilities(ctx context.Context) ([]types.Vulnerability, error) {
	if cached, ok := e.vulnCache.Get(vulnerabilitiesKey); ok {
		return cached, nil
	}

	gen := e.cacheGeneration()
	vulns, err := e.store.ReadAllVulnerabilities(ctx)
	if err != nil {
		return nil, err
	}
	e.fillCache(gen, func() { e.vulnCache.Set(vulnerabilitiesKey, vulns) })
	return vulns, nil
}

// Remediations returns the current remediation records, cached between syncs
func (e *Engine) Remediations(ctx context.Context) ([]types.Remediation, error) {
	if cached, ok := e.remediationCache.Get(remediationsKey); ok {
		return cached, nil
	}

	gen := e.cacheGeneration()
	remediations, err := e.store.ReadAllRemediations(ctx)
	if err != nil {
		return nil, err
	}
	e.fillCache(gen, func() { e.remediationCache.Set(remediationsKey, remediations) })
	return remediations, nil
}

func (e *Engine) cacheGeneration() uint64 {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.generation
}

// fillCache runs set unless the caches were invalidated after gen was taken.
func (e *Engine) fillCache(gen uint64, set func()) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.generation == gen {
		set()
	}
}

func (e *Engine) invalidateCaches() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.generation++
	e.vulnCache.Invalidate()
	e.remediationCache.Invalidate()
}

// History returns the change events recorded for one vulnerability
func (e *Engine) History(ctx context.Context, vulnID string) ([]types.ChangeEvent, error) {
	return e.store.History(ctx, vulnID)
}

// SyncRuns returns the most recent ledger rows
func (e *Engine) SyncRuns(ctx context.Context, limit int) ([]types.SyncRun, error) {
	return e.store.SyncRuns(ctx, limit)
}

// LastUpdateTime reports when the store last wrote a vulnerability
func (e *Engine) LastUpdateTime(ctx context.Context) (time.Time, bool, error) {
	return e.store.LastUpdateTime(ctx)
}

// LastSync returns the summary of the most recent successful sync and when it finished
func (e *Engine) LastSync() (*types.SyncSummary, time.Time) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if e.lastSync == nil {
		return nil, time.Time{}
	}

	// Return a copy to prevent races with the next sync
	summary := *e.lastSync
	return &summary, e.lastSyncTime
}
