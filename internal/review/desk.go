// Package review is the reviewer's working view over the live receipt feed:
// rows with the actions each role may take, the detail and confirmation
// dialogs, and short-lived notices.
package review

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"receiptflow/internal/gate"
	"receiptflow/internal/identity"
	"receiptflow/internal/receipts/models"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
)

// NoticeTTL is how long a notice stays visible.
const NoticeTTL = 5 * time.Second

const (
	EmptyMessage       = "No receipts found"
	FetchFailedMessage = "Failed to fetch receipts. Please try again later."
)

// SnapshotSource is satisfied by *receipts.Feed.
type SnapshotSource interface {
	Snapshots() <-chan models.Snapshot
	Resubscribe()
}

// SessionSource is satisfied by *identity.Holder.
type SessionSource interface {
	Current() *identity.Session
}

// Coordinator is satisfied by *approval.Coordinator.
type Coordinator interface {
	Approve(ctx context.Context, r models.Receipt) error
	Reject(ctx context.Context, r models.Receipt) error
}

// Desk is safe for concurrent use. Run must be running for rows to appear.
type Desk struct {
	source   SnapshotSource
	sessions SessionSource
	coord    Coordinator
	gate     *gate.Gate
	clock    clockwork.Clock
	ttl      time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	loaded      bool
	failed      bool
	noSession   bool
	receipts    []models.Receipt
	detailID    id.ReceiptID
	notice      *Notice
	noticeTimer clockwork.Timer

	changed chan struct{}
}

type Option func(*Desk)

// WithClock drives notice expiry from clock.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Desk) {
		d.clock = clock
	}
}

// WithNoticeTTL overrides NoticeTTL.
func WithNoticeTTL(ttl time.Duration) Option {
	return func(d *Desk) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Desk) {
		d.logger = logger
	}
}

// WithGate shares a gate with another surface acting for the same reviewer.
func WithGate(g *gate.Gate) Option {
	return func(d *Desk) {
		d.gate = g
	}
}

func New(source SnapshotSource, sessions SessionSource, coord Coordinator, opts ...Option) *Desk {
	d := &Desk{
		source:   source,
		sessions: sessions,
		coord:    coord,
		gate:     gate.New(),
		clock:    clockwork.NewRealClock(),
		ttl:      NoticeTTL,
		logger:   slog.Default(),
		changed:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Changed is signalled after every visible change. Readers call View.
func (d *Desk) Changed() <-chan struct{} {
	return d.changed
}

// Run applies snapshots until ctx is cancelled or the source closes.
func (d *Desk) Run(ctx context.Context) error {
	snapshots := d.source.Snapshots()
	for {
		select {
		case <-ctx.Done():
			d.stopNotice()
			return ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				d.stopNotice()
				return nil
			}
			d.apply(ctx, snap)
		}
	}
}

func (d *Desk) apply(ctx context.Context, snap models.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.signal()

	d.loaded = true
	switch {
	case snap.NoSession:
		d.noSession = true
		d.failed = false
		d.receipts = nil
		d.closeDialogsLocked()
	case snap.Err != nil:
		// last rows stay visible; no more data until Resubscribe
		d.failed = true
		d.logger.WarnContext(ctx, "receipt feed failed", "error", snap.Err)
		d.postLocked(NoticeError, FetchFailedMessage)
	default:
		d.noSession = false
		d.failed = false
		d.receipts = snap.Receipts
		d.reconcileLocked()
	}
}

// reconcileLocked drops dialogs whose receipt vanished and confirmations whose
// receipt is no longer pending.
func (d *Desk) reconcileLocked() {
	if !d.detailID.IsNil() && d.findLocked(d.detailID) == nil {
		d.detailID = ""
	}
	if d.gate.State() != gate.StateArmed {
		return
	}
	armed := d.gate.Pending()
	if armed == nil {
		return
	}
	current := d.findLocked(armed.Target.ID)
	if current == nil || !current.IsPending() {
		d.gate.Cancel()
	}
}

// Resubscribe reopens the feed after a failure. It reports false when the
// feed is healthy.
func (d *Desk) Resubscribe() bool {
	d.mu.Lock()
	failed := d.failed
	d.mu.Unlock()
	if !failed {
		return false
	}
	d.source.Resubscribe()
	return true
}

// Rows lists receipts in feed order with the actions the current role may
// take.
func (d *Desk) Rows() []Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rowsLocked(d.sessions.Current())
}

func (d *Desk) rowsLocked(session *identity.Session) []Row {
	rows := make([]Row, len(d.receipts))
	for i, r := range d.receipts {
		rows[i] = Row{Receipt: r, Actions: actionsFor(session, r)}
	}
	return rows
}

func actionsFor(session *identity.Session, r models.Receipt) []gate.Kind {
	if !session.CanReview() || !r.IsPending() {
		return nil
	}
	return []gate.Kind{gate.KindApprove, gate.KindReject}
}

// Empty reports a loaded, healthy feed with no receipts.
func (d *Desk) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emptyLocked()
}

func (d *Desk) emptyLocked() bool {
	return d.loaded && !d.noSession && !d.failed && len(d.receipts) == 0
}

// OpenDetail shows one receipt.
func (d *Desk) OpenDetail(receiptID id.ReceiptID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.findLocked(receiptID) == nil {
		return dErrors.New(dErrors.CodeNotFound, "receipt not found")
	}
	d.detailID = receiptID
	d.signal()
	return nil
}

func (d *Desk) CloseDetail() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detailID = ""
	d.signal()
}

// OpenConfirmation arms kind against a receipt. Only reviewers may open it and
// only for pending receipts.
func (d *Desk) OpenConfirmation(kind gate.Kind, receiptID id.ReceiptID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.sessions.Current().CanReview() {
		return dErrors.New(dErrors.CodeForbidden, "reviewer role required")
	}
	r := d.findLocked(receiptID)
	if r == nil {
		return dErrors.New(dErrors.CodeNotFound, "receipt not found")
	}
	if err := d.gate.Arm(kind, *r); err != nil {
		return gateError(err)
	}
	d.signal()
	return nil
}

// CancelConfirmation closes the confirmation dialog. It does nothing while
// the action executes.
func (d *Desk) CancelConfirmation() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate.State() == gate.StateExecuting {
		return
	}
	d.gate.Cancel()
	d.signal()
}

// Confirm runs the armed action through the gate. Success closes both dialogs;
// failure keeps the confirmation open, re-arms the gate for a retry and posts
// an error notice. The returned error is the coordinator's, or a gate refusal.
func (d *Desk) Confirm(ctx context.Context) error {
	var ran gate.PendingAction
	err := d.gate.Confirm(ctx, func(ctx context.Context, action gate.PendingAction) error {
		ran = action
		d.signal()
		if action.Kind == gate.KindApprove {
			return d.coord.Approve(ctx, action.Target)
		}
		return d.coord.Reject(ctx, action.Target)
	})
	if errors.Is(err, gate.ErrBusy) || errors.Is(err, gate.ErrNotArmed) {
		return gateError(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.signal()
	if err != nil {
		d.logger.WarnContext(ctx, "receipt action failed", "error", err, "action", ran.Kind, "receipt_id", ran.Target.ID)
		d.postLocked(NoticeError, failureMessage(ran.Kind))
		// a confirmation opened while this one ran takes precedence
		if d.gate.State() == gate.StateIdle {
			if current := d.findLocked(ran.Target.ID); current != nil {
				_ = d.gate.Arm(ran.Kind, *current)
			}
		}
		return err
	}
	// the gate released this confirmation; one armed since then stays open
	d.detailID = ""
	d.postLocked(NoticeSuccess, successMessage(ran.Kind))
	return nil
}

// Notice returns the visible notice, or nil once it has expired.
func (d *Desk) Notice() *Notice {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.notice == nil {
		return nil
	}
	n := *d.notice
	return &n
}

// View is a consistent copy of everything a client renders.
func (d *Desk) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	session := d.sessions.Current()
	v := View{
		Loading:   !d.loaded,
		NoSession: d.noSession,
		Failed:    d.failed,
		Rows:      d.rowsLocked(session),
		Executing: d.gate.State() == gate.StateExecuting,
	}
	if session != nil {
		v.Role = session.Role
	}
	if d.emptyLocked() {
		v.EmptyMessage = EmptyMessage
	}
	if r := d.findLocked(d.detailID); r != nil {
		detail := *r
		v.Detail = &detail
	}
	if armed := d.gate.Pending(); armed != nil {
		v.Confirmation = &Confirmation{Kind: armed.Kind, Receipt: armed.Target}
	}
	if d.notice != nil {
		n := *d.notice
		v.Notice = &n
	}
	return v
}

func (d *Desk) findLocked(receiptID id.ReceiptID) *models.Receipt {
	if receiptID.IsNil() {
		return nil
	}
	for i := range d.receipts {
		if d.receipts[i].ID == receiptID {
			return &d.receipts[i]
		}
	}
	return nil
}

func (d *Desk) closeDialogsLocked() {
	d.detailID = ""
	if d.gate.State() == gate.StateArmed {
		d.gate.Cancel()
	}
}

func (d *Desk) postLocked(kind NoticeKind, msg string) {
	if d.noticeTimer != nil {
		d.noticeTimer.Stop()
	}
	n := &Notice{Kind: kind, Message: msg, PostedAt: d.clock.Now()}
	d.notice = n
	d.noticeTimer = d.clock.AfterFunc(d.ttl, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.notice == n {
			d.notice = nil
			d.signal()
		}
	})
}

func (d *Desk) stopNotice() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noticeTimer != nil {
		d.noticeTimer.Stop()
	}
}

func (d *Desk) signal() {
	select {
	case d.changed <- struct{}{}:
	default:
	}
}

func gateError(err error) error {
	switch {
	case errors.Is(err, gate.ErrBusy):
		return dErrors.Wrap(err, dErrors.CodeConflict, "another action is in progress")
	case errors.Is(err, gate.ErrNotPending):
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "receipt is not pending")
	case errors.Is(err, gate.ErrNotArmed):
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "no action to confirm")
	}
	return err
}

func successMessage(kind gate.Kind) string {
	if kind == gate.KindReject {
		return "Receipt rejected"
	}
	return "Receipt approved"
}

func failureMessage(kind gate.Kind) string {
	if kind == gate.KindReject {
		return "Failed to reject receipt. Please try again."
	}
	return "Failed to approve receipt. Please try again."
}
