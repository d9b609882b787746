package httptransport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"receiptflow/internal/gate"
	"receiptflow/internal/identity"
	"receiptflow/internal/receipts"
	"receiptflow/internal/receipts/models"
	"receiptflow/internal/review"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/requestcontext"
)

const writeTimeout = 5 * time.Second

// Client to server message types.
const (
	msgResubscribe        = "resubscribe"
	msgOpenDetail         = "open_detail"
	msgCloseDetail        = "close_detail"
	msgOpenConfirmation   = "open_confirmation"
	msgCancelConfirmation = "cancel_confirmation"
	msgConfirm            = "confirm"
)

type clientMessage struct {
	Type      string `json:"type"`
	ReceiptID string `json:"receiptId,omitempty"`
	Action    string `json:"action,omitempty"`
}

type snapshotMessage struct {
	Type      string           `json:"type"`
	Receipts  []models.Receipt `json:"receipts,omitempty"`
	NoSession bool             `json:"noSession,omitempty"`
	Message   string           `json:"message,omitempty"`
}

type viewMessage struct {
	Type string      `json:"type"`
	View review.View `json:"view"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func newErrorMessage(err error) errorMessage {
	msg := errorMessage{Type: "error", Error: string(dErrors.CodeOf(err))}
	var de *dErrors.Error
	if errors.As(err, &de) {
		msg.Message = de.Message
	}
	return msg
}

// liveSession is the server-side stand-in for a signed-in client: its own
// holder, resolver and feed, fed by periodic token checks so role changes and
// sign-outs reach an open connection.
type liveSession struct {
	h        *Handler
	token    string
	subject  id.SubjectID
	holder   *identity.Holder
	resolver *identity.Resolver
	feed     *receipts.Feed
	events   chan identity.AuthEvent
}

func (h *Handler) openLive(token string, subject id.SubjectID) *liveSession {
	holder := identity.NewHolder()
	return &liveSession{
		h:        h,
		token:    token,
		subject:  subject,
		holder:   holder,
		resolver: identity.New(holder, h.cfg.ResolverOptions...),
		feed:     receipts.NewFeed(h.cfg.Backend, holder, receipts.WithFeedLogger(h.cfg.Logger)),
		events:   make(chan identity.AuthEvent, 1),
	}
}

// run blocks until ctx is cancelled.
func (l *liveSession) run(ctx context.Context) error {
	defer l.holder.Close()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(l.resolver.Run(gctx, l.events)) })
	g.Go(func() error { return ignoreCanceled(l.feed.Run(gctx)) })
	g.Go(func() error { return l.refresh(gctx) })
	return g.Wait()
}

func (l *liveSession) refresh(ctx context.Context) error {
	var (
		published bool
		signedOut bool
		role      identity.Role
	)
	check := func() {
		session, err := l.h.cfg.Accounts.Authenticate(ctx, l.token)
		if err != nil || session == nil {
			if !published || !signedOut {
				published, signedOut = true, true
				l.send(ctx, identity.AuthEvent{})
			}
			return
		}
		if published && !signedOut && session.Role == role {
			return
		}
		user, err := l.h.cfg.Accounts.UserFor(ctx, l.subject)
		if err != nil {
			l.h.cfg.Logger.WarnContext(ctx, "stream user lookup failed",
				"subject_id", l.subject,
				"error", err,
			)
			return
		}
		published, signedOut, role = true, false, session.Role
		l.send(ctx, identity.AuthEvent{User: user})
	}

	ticker := l.h.cfg.Clock.NewTicker(l.h.cfg.RefreshInterval)
	defer ticker.Stop()
	check()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			check()
		}
	}
}

func (l *liveSession) send(ctx context.Context, event identity.AuthEvent) {
	select {
	case l.events <- event:
	case <-ctx.Done():
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleStream handles GET /receipts/stream: the caller's scoped live query
// as a sequence of snapshot messages.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := identity.SessionFrom(ctx)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.cfg.Logger.WarnContext(ctx, "websocket accept failed", "error", err)
		return
	}
	h.cfg.Metrics.StreamOpened()
	defer h.cfg.Metrics.StreamClosed()

	live := h.openLive(requestcontext.BearerToken(ctx), session.SubjectID)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return live.run(gctx) })
	g.Go(func() error {
		return readLoop(gctx, conn, func(msg clientMessage) error {
			if msg.Type == msgResubscribe {
				live.feed.Resubscribe()
				return nil
			}
			return dErrors.New(dErrors.CodeBadRequest, "unknown message type: "+msg.Type)
		})
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case snap, ok := <-live.feed.Snapshots():
				if !ok {
					return nil
				}
				if err := write(gctx, conn, toSnapshotMessage(snap)); err != nil {
					return err
				}
			}
		}
	})
	err = g.Wait()
	h.closeConn(ctx, conn, session.SubjectID, err)
}

func toSnapshotMessage(snap models.Snapshot) snapshotMessage {
	switch {
	case snap.NoSession:
		return snapshotMessage{Type: "snapshot", NoSession: true}
	case snap.Err != nil:
		return snapshotMessage{Type: "error", Message: review.FetchFailedMessage}
	default:
		rs := snap.Receipts
		if rs == nil {
			rs = []models.Receipt{}
		}
		return snapshotMessage{Type: "snapshot", Receipts: rs}
	}
}

// handleDesk handles GET /desk: the review desk for one reviewer, sharing
// the reviewer's confirmation gate with the HTTP action endpoint.
func (h *Handler) handleDesk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := identity.SessionFrom(ctx)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.cfg.Logger.WarnContext(ctx, "websocket accept failed", "error", err)
		return
	}
	h.cfg.Metrics.StreamOpened()
	defer h.cfg.Metrics.StreamClosed()

	live := h.openLive(requestcontext.BearerToken(ctx), session.SubjectID)
	desk := review.New(live.feed, live.holder, h.cfg.Coordinator,
		review.WithGate(h.gateFor(session.SubjectID)),
		review.WithClock(h.cfg.Clock),
		review.WithNoticeTTL(h.cfg.NoticeTTL),
		review.WithLogger(h.cfg.Logger),
	)
	errs := make(chan errorMessage, 4)
	report := func(err error) {
		select {
		case errs <- newErrorMessage(err):
		default:
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return live.run(gctx) })
	g.Go(func() error { return ignoreCanceled(desk.Run(gctx)) })
	g.Go(func() error {
		return readLoop(gctx, conn, func(msg clientMessage) error {
			if msg.Type == msgConfirm {
				// the action outlives a dropped connection once confirmed
				g.Go(func() error {
					if err := desk.Confirm(context.WithoutCancel(gctx)); err != nil {
						report(err)
					}
					return nil
				})
				return nil
			}
			if err := deskCommand(desk, msg); err != nil {
				report(err)
			}
			return nil
		})
	})
	g.Go(func() error {
		if err := write(gctx, conn, viewMessage{Type: "view", View: desk.View()}); err != nil {
			return err
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-errs:
				if err := write(gctx, conn, msg); err != nil {
					return err
				}
			case <-desk.Changed():
				if err := write(gctx, conn, viewMessage{Type: "view", View: desk.View()}); err != nil {
					return err
				}
			}
		}
	})
	err = g.Wait()
	h.closeConn(ctx, conn, session.SubjectID, err)
}

func deskCommand(desk *review.Desk, msg clientMessage) error {
	switch msg.Type {
	case msgResubscribe:
		desk.Resubscribe()
		return nil
	case msgCloseDetail:
		desk.CloseDetail()
		return nil
	case msgCancelConfirmation:
		desk.CancelConfirmation()
		return nil
	case msgOpenDetail, msgOpenConfirmation:
	default:
		return dErrors.New(dErrors.CodeBadRequest, "unknown message type: "+msg.Type)
	}

	receiptID, err := id.ParseReceiptID(msg.ReceiptID)
	if err != nil {
		return err
	}
	if msg.Type == msgOpenDetail {
		return desk.OpenDetail(receiptID)
	}
	kind, err := gate.ParseKind(msg.Action)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "unknown action")
	}
	return desk.OpenConfirmation(kind, receiptID)
}

var errClientGone = errors.New("client disconnected")

// readLoop decodes client messages until the connection ends. A handler
// error is sent back rather than ending the stream.
func readLoop(ctx context.Context, conn *websocket.Conn, handle func(clientMessage) error) error {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errClientGone
		}
		if err := handle(msg); err != nil {
			if werr := write(ctx, conn, newErrorMessage(err)); werr != nil {
				return werr
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func (h *Handler) closeConn(ctx context.Context, conn *websocket.Conn, subject id.SubjectID, err error) {
	if err != nil && !errors.Is(err, errClientGone) {
		h.cfg.Logger.WarnContext(ctx, "stream ended with error",
			"subject_id", subject,
			"error", err,
		)
		_ = conn.Close(websocket.StatusInternalError, "stream failed")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "closed")
}
