package service

import (
	"errors"

	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	materializedomain "github.com/smallbiznis/renewals/internal/materialize/domain"
)

// action is what a run does with an entry after a failed step.
type action int

const (
	actionMarkError action = iota
	actionRelease
	actionLeavePlanned
	actionAbort
)

func (a action) String() string {
	switch a {
	case actionRelease:
		return "release"
	case actionLeavePlanned:
		return "leave_planned"
	case actionAbort:
		return "abort"
	default:
		return "mark_error"
	}
}

type site string

const (
	siteCaptureCharges site = "capture_charges"
	siteSnapshotRead   site = "snapshot_read"
	siteSourceDeal     site = "source_deal"
	siteEnsureDeal     site = "ensure_deal"
	siteMaterialize    site = "materialize"
	siteUpdateAmount   site = "update_deal_amount"
)

// decisions lists the non-default outcome per call site and error kind.
// Store errors always abort; any other unlisted kind marks the entry as error.
var decisions = map[site]map[failure.Kind]action{
	siteCaptureCharges: {failure.KindTransport: actionLeavePlanned},
	siteSnapshotRead: {
		failure.KindTransport: actionRelease,
		failure.KindNotFound:  actionRelease,
	},
	siteSourceDeal: {failure.KindTransport: actionRelease},
	siteEnsureDeal: {
		failure.KindTransport: actionRelease,
		// The deal exists but search has not caught up; the next claim reuses it.
		failure.KindConflict: actionRelease,
	},
	siteMaterialize:  {failure.KindTransport: actionRelease},
	siteUpdateAmount: {failure.KindTransport: actionRelease},
}

func classify(at site, err error) action {
	kind := failure.KindOf(err)
	if kind == failure.KindStore {
		return actionAbort
	}
	if next, ok := decisions[at][kind]; ok {
		return next
	}
	return actionMarkError
}

// classifyLedger maps a ledger write failure: store errors abort the run, a lost
// race or stale state is recorded against the entry only.
func classifyLedger(err error) action {
	switch {
	case failure.KindOf(err) == failure.KindStore:
		return actionAbort
	case errors.Is(err, ledgerdomain.ErrConcurrentUpdate),
		errors.Is(err, ledgerdomain.ErrInvalidTransition),
		errors.Is(err, ledgerdomain.ErrEntryNotFound):
		return actionMarkError
	default:
		return actionAbort
	}
}

type materializeOutcome int

const (
	outcomeCreated materializeOutcome = iota
	outcomeRelease
	outcomeMarkError
)

// decideMaterialized settles an entry whose deal exists after per-charge processing.
func decideMaterialized(result materializedomain.Result) (materializeOutcome, string) {
	switch {
	case result.EligibleCount == 0:
		return outcomeMarkError, reasonNoEligibleCharges
	case result.TransientErrorCount > 0:
		return outcomeRelease, "transient_line_item_errors"
	case result.ArtifactCount() > 0:
		return outcomeCreated, ""
	default:
		return outcomeMarkError, "no_line_items_created"
	}
}

const reasonNoEligibleCharges = "no_eligible_charges"
