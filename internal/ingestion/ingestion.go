// Package ingestion implements the three inbound event handlers of
// spec.md §4.8 (L8): analysis-update, clinical-update, and the
// embargo-recalculation trigger, each wrapped in bounded retry with
// dead-letter forwarding and driven by a sliding-window offset commit.
package ingestion

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gopkg.in/Shopify/sarama.v1"

	"github.com/icgc-argo/files-service/internal/broker"
	"github.com/icgc-argo/files-service/internal/external"
	"github.com/icgc-argo/files-service/internal/filemanager"
	"github.com/icgc-argo/files-service/internal/filemodel"
	"github.com/icgc-argo/files-service/internal/filestore"
	"github.com/icgc-argo/files-service/internal/indexer"
)

// Error is the error class for the ingestion package.
var Error = errs.Class("ingestion")

// ErrInvalidMessage is returned when an inbound event fails the §4.8
// field-shape validation.
var ErrInvalidMessage = errs.New("invalid message")

// RetryConfig bounds the handler-level retry spec.md §4.8 requires:
// "up to 3 attempts, factor = 1 (constant backoff)".
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryConfig matches spec.md §4.8's literal numbers.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, Delay: time.Second}
}

// WindowConfig bounds the sliding-window offset commit spec.md §4.8/§5
// describes: commit after whichever limit is hit first.
type WindowConfig struct {
	MaxMessages int
	MaxInterval time.Duration
}

// DefaultWindowConfig matches spec.md §4.8's literal numbers.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{MaxMessages: 10, MaxInterval: 10 * time.Second}
}

// MessageHandler processes one decoded message value. Handlers return a
// plain error on failure; processMessage classifies nothing further.
type MessageHandler func(ctx context.Context, value []byte) error

// processMessage runs handle under RetryConfig, forwarding to dlqTopic
// on terminal failure (skipped when dlqTopic is empty, per the
// recalculation trigger's "no DLQ" contract).
func processMessage(ctx context.Context, handle MessageHandler, retry RetryConfig, dlq broker.Producer, dlqTopic string, key string, value []byte, log *zap.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if lastErr = handle(ctx, value); lastErr == nil {
			return nil
		}
		log.Warn("handler attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))
		if attempt < retry.MaxAttempts {
			select {
			case <-time.After(retry.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if dlqTopic == "" || dlq == nil {
		return lastErr
	}
	if err := dlq.SendMessage(ctx, dlqTopic, key, value); err != nil {
		log.Error("failed to forward message to dead-letter topic", zap.String("topic", dlqTopic), zap.Error(err))
		return Error.Wrap(err)
	}
	log.Info("forwarded terminally-failed message to dead-letter topic", zap.String("topic", dlqTopic))
	return nil
}

// window tracks the sliding commit window and reports when the caller
// should call session.Commit().
type window struct {
	cfg     WindowConfig
	count   int
	started time.Time
}

func newWindow(cfg WindowConfig) *window {
	return &window{cfg: cfg, started: time.Now()}
}

func (w *window) markAndShouldCommit() bool {
	w.count++
	if w.count >= w.cfg.MaxMessages || time.Since(w.started) >= w.cfg.MaxInterval {
		w.count = 0
		w.started = time.Now()
		return true
	}
	return false
}

// consumerGroupHandler adapts a MessageHandler to sarama.ConsumerGroupHandler,
// applying retry/DLQ per message and committing offsets on the sliding
// window.
type consumerGroupHandler struct {
	handle   MessageHandler
	retry    RetryConfig
	window   WindowConfig
	dlq      broker.Producer
	dlqTopic string
	log      *zap.Logger

	// onConsumed, if set, is called after every message regardless of
	// handler outcome, so a caller can feed a healthcheck.ConsumerOffsetCheck.
	onConsumed func()
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	w := newWindow(h.window)
	for msg := range claim.Messages() {
		if err := processMessage(session.Context(), h.handle, h.retry, h.dlq, h.dlqTopic, string(msg.Key), msg.Value, h.log); err != nil {
			h.log.Error("message processing failed and could not be forwarded", zap.Error(err))
		}
		session.MarkMessage(msg, "")
		if h.onConsumed != nil {
			h.onConsumed()
		}
		if w.markAndShouldCommit() {
			session.Commit()
		}
	}
	return nil
}

// AnalysisUpdateMessage is the validated shape of an analysisUpdates
// event (spec.md §4.8).
type AnalysisUpdateMessage struct {
	AnalysisID   string
	StudyID      string
	State        filemodel.SongAnalysisStatus
	Action       string
	SongServerID string
	Analysis     map[string]interface{}
}

// ParseAnalysisUpdateMessage decodes and validates raw against §4.8's
// field-shape rule: all five top-level fields and the two named
// analysis sub-fields must be strings.
func ParseAnalysisUpdateMessage(raw []byte) (AnalysisUpdateMessage, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return AnalysisUpdateMessage{}, Error.Wrap(err)
	}

	msg := AnalysisUpdateMessage{}
	var ok bool
	analysisID, ok := generic["analysisId"].(string)
	if !ok {
		return msg, invalidField("analysisId")
	}
	studyID, ok := generic["studyId"].(string)
	if !ok {
		return msg, invalidField("studyId")
	}
	state, ok := generic["state"].(string)
	if !ok {
		return msg, invalidField("state")
	}
	action, ok := generic["action"].(string)
	if !ok {
		return msg, invalidField("action")
	}
	songServerID, ok := generic["songServerId"].(string)
	if !ok {
		return msg, invalidField("songServerId")
	}
	analysis, ok := generic["analysis"].(map[string]interface{})
	if !ok {
		return msg, invalidField("analysis")
	}
	if _, ok := analysis["analysisId"].(string); !ok {
		return msg, invalidField("analysis.analysisId")
	}
	if _, ok := analysis["analysisState"].(string); !ok {
		return msg, invalidField("analysis.analysisState")
	}

	msg.AnalysisID = analysisID
	msg.StudyID = studyID
	msg.State = filemodel.SongAnalysisStatus(state)
	msg.Action = action
	msg.SongServerID = songServerID
	msg.Analysis = analysis
	return msg, nil
}

func invalidField(name string) error {
	return Error.Wrap(errs.Combine(ErrInvalidMessage, errs.New("field %q", name)))
}

// AnalysisFileStore is the narrow slice of filestore.Store the
// analysis-update handler needs for its non-PUBLISHED branch.
type AnalysisFileStore interface {
	GetByAnalysisId(ctx context.Context, analysisID string) ([]*filemodel.File, error)
	UpdateSongPublishStatus(ctx context.Context, objectID string, status filestore.SongPublishStatus) (*filemodel.File, error)
}

// RestrictedRemover is the narrow slice of *indexer.Indexer the
// analysis-update handler needs to drop files out of the restricted
// index when an analysis is un-published.
type RestrictedRemover interface {
	RemoveRestrictedFileDocs(ctx context.Context, docs []indexer.Doc) error
}

// AnalysisUpdateHandler implements spec.md §4.8's analysis-update
// processing.
type AnalysisUpdateHandler struct {
	Transform         external.AnalysisTransformClient
	Store             AnalysisFileStore
	Indexer           RestrictedRemover
	Manager           *filemanager.Manager
	StatusConcurrency int
	Log               *zap.Logger
}

// AsConsumerGroupHandler wraps h for use with a sarama.ConsumerGroup.
func (h *AnalysisUpdateHandler) AsConsumerGroupHandler(dlq broker.Producer, dlqTopic string, retry RetryConfig, w WindowConfig, onConsumed func()) sarama.ConsumerGroupHandler {
	return &consumerGroupHandler{handle: h.Handle, retry: retry, window: w, dlq: dlq, dlqTopic: dlqTopic, log: h.Log, onConsumed: onConsumed}
}

// Handle processes one analysisUpdates message.
func (h *AnalysisUpdateHandler) Handle(ctx context.Context, raw []byte) error {
	msg, err := ParseAnalysisUpdateMessage(raw)
	if err != nil {
		return err
	}

	if msg.State == filemodel.StatusPublished {
		fragments, err := h.Transform.Transform(ctx, []string{msg.AnalysisID}, msg.SongServerID)
		if err != nil {
			return Error.Wrap(err)
		}
		var rdpc []filemanager.RdpcFileFragment
		for _, perObject := range fragments {
			for _, frag := range perObject {
				rdpc = append(rdpc, filemanager.RdpcFileFragment{
					UpstreamFragment: frag,
					AnalysisID:       msg.AnalysisID,
					RepoID:           msg.SongServerID,
					AnalysisState:    filemodel.StatusPublished,
				})
			}
		}
		if len(rdpc) == 0 {
			return nil
		}
		_, err = h.Manager.SaveAndIndexFilesFromRdpcData(ctx, rdpc, msg.SongServerID)
		return Error.Wrap(err)
	}

	files, err := h.Store.GetByAnalysisId(ctx, msg.AnalysisID)
	if err != nil {
		return Error.Wrap(err)
	}

	concurrency := h.StatusConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range files {
		f := f
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			_, err := h.Store.UpdateSongPublishStatus(gctx, f.ObjectID, filestore.SongPublishStatus{Status: &msg.State})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Error.Wrap(err)
	}

	var restricted []indexer.Doc
	for _, f := range files {
		if f.ReleaseState == filemodel.ReleaseStateRestricted {
			restricted = append(restricted, indexer.Doc{Program: f.ProgramID, ObjectID: f.ObjectID, ReleaseState: f.ReleaseState})
		}
	}
	if len(restricted) == 0 {
		return nil
	}
	return Error.Wrap(h.Indexer.RemoveRestrictedFileDocs(ctx, restricted))
}

// ClinicalUpdateMessage is the validated shape of a clinicalUpdates event.
type ClinicalUpdateMessage struct {
	ProgramID string
	DonorIDs  []string
}

// ParseClinicalUpdateMessage decodes and validates raw.
func ParseClinicalUpdateMessage(raw []byte) (ClinicalUpdateMessage, error) {
	var msg ClinicalUpdateMessage
	var generic struct {
		ProgramID string   `json:"programId"`
		DonorIDs  []string `json:"donorIds"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return msg, Error.Wrap(err)
	}
	if generic.ProgramID == "" {
		return msg, invalidField("programId")
	}
	msg.ProgramID = generic.ProgramID
	msg.DonorIDs = generic.DonorIDs
	return msg, nil
}

// FileFetcher is the narrow slice of filestore.Store the clinical-update
// and recalculation-trigger handlers need.
type FileFetcher interface {
	GetFiles(ctx context.Context, filter filemodel.Filter) (filestore.Iterator, error)
	GetAllFiles(ctx context.Context, filter filemodel.Filter) (filestore.Iterator, error)
}

// RestrictedUpdater is the narrow slice of *indexer.Indexer the
// clinical-update and recalculation-trigger handlers need.
type RestrictedUpdater interface {
	UpdateRestrictedFile(ctx context.Context, f *filemodel.File, doc indexer.Doc) error
}

// ClinicalUpdateHandler implements spec.md §4.8's clinical-update
// processing.
type ClinicalUpdateHandler struct {
	Store       FileFetcher
	Manager     *filemanager.Manager
	Indexer     RestrictedUpdater
	Concurrency int
	Log         *zap.Logger
}

// AsConsumerGroupHandler wraps h for use with a sarama.ConsumerGroup.
func (h *ClinicalUpdateHandler) AsConsumerGroupHandler(dlq broker.Producer, dlqTopic string, retry RetryConfig, w WindowConfig, onConsumed func()) sarama.ConsumerGroupHandler {
	return &consumerGroupHandler{handle: h.Handle, retry: retry, window: w, dlq: dlq, dlqTopic: dlqTopic, log: h.Log, onConsumed: onConsumed}
}

// Handle processes one clinicalUpdates message.
func (h *ClinicalUpdateHandler) Handle(ctx context.Context, raw []byte) error {
	msg, err := ParseClinicalUpdateMessage(raw)
	if err != nil {
		return err
	}

	filter := filemodel.Filter{Include: &filemodel.FilterSet{Programs: []string{msg.ProgramID}, Donors: msg.DonorIDs}}
	it, err := h.Store.GetFiles(ctx, filter)
	if err != nil {
		return Error.Wrap(err)
	}
	defer it.Close()

	concurrency := h.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for it.Next(ctx) {
		f := it.Current()
		if f.ReleaseState != filemodel.ReleaseStateUnreleased {
			continue
		}
		f := f
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			updated, err := h.Manager.UpdateFileFromExternalSources(gctx, f)
			if err != nil {
				return err
			}
			if updated.ReleaseState == filemodel.ReleaseStateUnreleased {
				return nil
			}
			return h.Indexer.UpdateRestrictedFile(gctx, updated, indexer.Doc{})
		})
	}
	if err := it.Err(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(g.Wait())
}

// RecalculateTriggerHandler implements spec.md §4.8's embargo-
// recalculation trigger: a full scan, no message shape, no DLQ.
type RecalculateTriggerHandler struct {
	Store       FileFetcher
	Manager     *filemanager.Manager
	Indexer     RestrictedUpdater
	Concurrency int
	Log         *zap.Logger
}

// AsConsumerGroupHandler wraps h for use with a sarama.ConsumerGroup.
// dlqTopic is always empty: the trigger has no dead-letter topic.
func (h *RecalculateTriggerHandler) AsConsumerGroupHandler(retry RetryConfig, w WindowConfig, onConsumed func()) sarama.ConsumerGroupHandler {
	return &consumerGroupHandler{handle: h.Handle, retry: retry, window: w, log: h.Log, onConsumed: onConsumed}
}

// Handle ignores raw and scans every file, recalculating and
// propagating to the restricted index where the stage or state changed.
func (h *RecalculateTriggerHandler) Handle(ctx context.Context, _ []byte) error {
	it, err := h.Store.GetAllFiles(ctx, filemodel.Filter{})
	if err != nil {
		return Error.Wrap(err)
	}
	defer it.Close()

	concurrency := h.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for it.Next(ctx) {
		f := it.Current()
		prevStage, prevState := f.EmbargoStage, f.ReleaseState
		f := f
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			updated, err := h.Manager.UpdateFileFromExternalSources(gctx, f)
			if err != nil {
				return err
			}
			if updated.EmbargoStage == prevStage && updated.ReleaseState == prevState {
				return nil
			}
			return h.Indexer.UpdateRestrictedFile(gctx, updated, indexer.Doc{})
		})
	}
	if err := it.Err(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(g.Wait())
}
