// Package releasestore implements the single-active-release record and
// its guarded state machine (spec.md §4.2, L2).
package releasestore

import (
	"context"
	"crypto/md5" //nolint:gosec // version digest algorithm is a literal wire contract, not a security boundary
	"encoding/hex"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/icgc-argo/files-service/internal/filemodel"
)

// Error is the error class for the releasestore package.
var Error = errs.Class("releasestore")

var (
	// ErrNoActiveRelease is returned when no non-PUBLISHED release exists.
	ErrNoActiveRelease = errs.New("no active release")
	// ErrLabelTaken is returned when a release label collides with an
	// existing one; labels must be globally unique per spec.md §3.
	ErrLabelTaken = errs.New("label already in use")
	// ErrInvalidTransition is returned when a requested transition's
	// target has no allowed source matching the release's current state.
	ErrInvalidTransition = errs.New("invalid release state transition")
)

// transitions encodes spec.md §4.2's table as data (target -> allowed
// sources), per spec.md §9's explicit instruction to avoid scattering
// the state machine across conditionals.
var transitions = map[filemodel.ReleaseLifecycleState][]filemodel.ReleaseLifecycleState{
	filemodel.ReleaseCalculating: {
		filemodel.ReleaseCreated, filemodel.ReleaseCalculated, filemodel.ReleaseBuilt,
		filemodel.ReleaseErrorBuild, filemodel.ReleaseErrorCalculate, filemodel.ReleaseErrorPublish,
	},
	filemodel.ReleaseCalculated: {
		filemodel.ReleaseCalculating,
	},
	filemodel.ReleaseErrorCalculate: {
		filemodel.ReleaseCalculating,
	},
	filemodel.ReleaseBuilding: {
		filemodel.ReleaseCalculated, filemodel.ReleaseBuilt,
		filemodel.ReleaseErrorBuild, filemodel.ReleaseErrorPublish,
	},
	filemodel.ReleaseBuilt: {
		filemodel.ReleaseBuilding,
	},
	filemodel.ReleaseErrorBuild: {
		filemodel.ReleaseBuilding,
	},
	filemodel.ReleasePublishing: {
		filemodel.ReleaseBuilt, filemodel.ReleaseErrorPublish,
	},
	filemodel.ReleasePublished: {
		filemodel.ReleasePublishing,
	},
	filemodel.ReleaseErrorPublish: {
		filemodel.ReleasePublishing,
	},
}

// errorCounterpart maps each *ING state to the ERROR_* state a failure
// during that phase transitions to.
var errorCounterpart = map[filemodel.ReleaseLifecycleState]filemodel.ReleaseLifecycleState{
	filemodel.ReleaseCalculating: filemodel.ReleaseErrorCalculate,
	filemodel.ReleaseBuilding:    filemodel.ReleaseErrorBuild,
	filemodel.ReleasePublishing:  filemodel.ReleaseErrorPublish,
}

// CanTransition reports whether target may be entered from source.
func CanTransition(source, target filemodel.ReleaseLifecycleState) bool {
	for _, allowed := range transitions[target] {
		if allowed == source {
			return true
		}
	}
	return false
}

// Version computes the md5 hex digest of the canonical serialization in
// spec.md §3: sorted kept/added/removed lists joined with their literal
// separators, required for uniqueness across empty sublists.
func Version(kept, added, removed []string) string {
	var b strings.Builder
	for _, s := range filemodel.SortedUnique(kept) {
		b.WriteString(s)
	}
	b.WriteString("kept")
	for _, s := range filemodel.SortedUnique(added) {
		b.WriteString(s)
	}
	b.WriteString("added")
	for _, s := range filemodel.SortedUnique(removed) {
		b.WriteString(s)
	}
	b.WriteString("removed")

	sum := md5.Sum([]byte(b.String())) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// BeginResult is the outcome of a Begin* transition attempt.
type BeginResult struct {
	Release       *filemodel.Release
	PreviousState filemodel.ReleaseLifecycleState
	Updated       bool
	Message       string
}

// Store is the release record store.
type Store interface {
	GetActiveRelease(ctx context.Context) (*filemodel.Release, error)
	GetLatestRelease(ctx context.Context) (*filemodel.Release, error)
	GetReleases(ctx context.Context) ([]*filemodel.Release, error)
	GetReleaseById(ctx context.Context, id string) (*filemodel.Release, error)

	BeginCalculatingActiveRelease(ctx context.Context) (BeginResult, error)
	FinishCalculatingActiveRelease(ctx context.Context) (*filemodel.Release, error)

	BeginBuildingActiveRelease(ctx context.Context, label string) (BeginResult, error)
	FinishBuildingActiveRelease(ctx context.Context, indices []string, snapshot string) (*filemodel.Release, error)

	BeginPublishingActiveRelease(ctx context.Context) (BeginResult, error)
	FinishPublishingActiveRelease(ctx context.Context) (*filemodel.Release, error)

	SetActiveReleaseError(ctx context.Context, message string) (*filemodel.Release, error)

	UpdateActiveReleaseFiles(ctx context.Context, kept, added, removed []string) (*filemodel.Release, error)

	// Reset discards the active (non-PUBLISHED) release and creates a
	// fresh CREATED one, per spec.md §3 "reset semantics".
	Reset(ctx context.Context) (*filemodel.Release, error)
}

// beginTransition is the check every Begin* method shares: it reports
// whether active may enter target under the transition table and, if
// not, why. Looking up the active release, persisting the new state and
// clearing the fields spec.md §4.2 names are left to the caller.
func beginTransition(active *filemodel.Release, target filemodel.ReleaseLifecycleState) (ok bool, message string) {
	if active == nil {
		return false, ErrNoActiveRelease.Error()
	}
	if !CanTransition(active.State, target) {
		return false, Error.New("cannot transition to %s from %s", target, active.State).Error()
	}
	return true, ""
}

// applyEntryClears mutates release in place per the field-clearing rules
// in spec.md §4.2 for entering the given target state.
func applyEntryClears(release *filemodel.Release, target filemodel.ReleaseLifecycleState) {
	switch target {
	case filemodel.ReleaseCalculating:
		release.FilesKept = nil
		release.FilesAdded = nil
		release.FilesRemoved = nil
		release.BuiltAt = nil
		release.CalculatedAt = nil
		release.Label = nil
		release.Snapshot = nil
		release.Error = nil
		// Indices is deliberately NOT cleared here, to allow later
		// cleanup of stale indices (spec.md §4.2).
	case filemodel.ReleaseBuilding:
		release.BuiltAt = nil
		release.Label = nil
		release.Snapshot = nil
		release.Error = nil
	case filemodel.ReleasePublishing:
		release.Error = nil
	}
}

// stampCompletion sets the terminal-step timestamp for a successful
// Finish* call.
func stampCompletion(release *filemodel.Release, state filemodel.ReleaseLifecycleState, now time.Time) {
	switch state {
	case filemodel.ReleaseCalculated:
		release.CalculatedAt = &now
	case filemodel.ReleaseBuilt:
		release.BuiltAt = &now
	case filemodel.ReleasePublished:
		release.PublishedAt = &now
	}
}

// finishStateFor maps an *ING state to the state a successful Finish*
// call transitions into.
func finishStateFor(ing filemodel.ReleaseLifecycleState) filemodel.ReleaseLifecycleState {
	switch ing {
	case filemodel.ReleaseCalculating:
		return filemodel.ReleaseCalculated
	case filemodel.ReleaseBuilding:
		return filemodel.ReleaseBuilt
	case filemodel.ReleasePublishing:
		return filemodel.ReleasePublished
	default:
		return ing
	}
}
