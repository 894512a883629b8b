package replicator

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/litecore-db/litecore/internal/recordstore"
	"github.com/litecore-db/litecore/pkg/actor"
	"github.com/litecore-db/litecore/pkg/sequence"
	"github.com/litecore-db/litecore/pkg/status"
)

const (
	kDefaultChangeBatchSize = 200
	kMaxChangeListsInFlight = 4
	kMaxRevsInFlight        = 5

	kMinRetryDelay = 500 * time.Millisecond
	kMaxRetryDelay = 30 * time.Second
)

// Pusher drives the outbound half of a replication session: it reads
// batches of changes from the DB actor, offers them to the peer, and sends
// the revisions the peer asks for, tracking unacknowledged sequences so the
// checkpointer only ever records durable progress.
//
// States: idle -> sending -> caught-up -> (continuous-waiting | stopped).
type Pusher struct {
	a    *actor.Actor
	conn *Conn
	db   *DBActor
	ckpt *Checkpointer
	log  *logrus.Logger

	continuous bool
	passive    bool
	batchSize  int

	pending             sequence.Set
	lastSequenceRead    uint64
	changeListsInFlight int
	revsInFlight        int
	revsToSend          []RevRequest
	retryDelay          time.Duration

	caughtUp  bool
	announced bool // empty "changes" sent to mark caught-up
	stopped   bool

	feedCancel func()
	onStopped  func(error)
}

// NewPusher wires a pusher. onStopped fires exactly once, from the pusher's
// own mailbox.
func NewPusher(conn *Conn, db *DBActor, ckpt *Checkpointer, continuous,
	passive bool, batchSize int, log *logrus.Logger, onStopped func(error)) *Pusher {

	if batchSize <= 0 {
		batchSize = kDefaultChangeBatchSize
	}
	if log == nil {
		log = logrus.New()
	}
	return &Pusher{
		a:          actor.New("pusher"),
		conn:       conn,
		db:         db,
		ckpt:       ckpt,
		log:        log,
		continuous: continuous,
		passive:    passive,
		batchSize:  batchSize,
		retryDelay: kMinRetryDelay,
		onStopped:  onStopped,
	}
}

// Start begins pushing from the given checkpointed sequence.
func (p *Pusher) Start(sinceSequence uint64) {
	p.a.Enqueue(func() {
		p.lastSequenceRead = sinceSequence
		p.requestChanges()
	})
}

// Stop ends the push; pending work is abandoned.
func (p *Pusher) Stop() {
	p.a.Enqueue(func() { p.stop(nil) })
}

// Close releases the mailbox. Call after Stop.
func (p *Pusher) Close() { p.a.Close() }

func (p *Pusher) requestChanges() {
	if p.stopped || p.changeListsInFlight >= kMaxChangeListsInFlight {
		return
	}
	p.changeListsInFlight++
	p.db.ChangesSince(p.lastSequenceRead, p.batchSize, p.a, p.gotChanges)
}

func (p *Pusher) gotChanges(list []recordstore.Change, err error) {
	p.changeListsInFlight--
	if p.stopped {
		return
	}
	if err != nil {
		p.stop(err)
		return
	}

	if len(list) == 0 {
		p.caughtUp = true
		if !p.announced {
			p.announced = true
			p.sendChanges(nil) // empty batch tells the peer we are caught up
		}
		if p.continuous {
			p.subscribeFeed()
		} else {
			p.maybeStop()
		}
		return
	}

	for _, c := range list {
		p.pending.Add(c.Sequence)
		if c.Sequence > p.lastSequenceRead {
			p.lastSequenceRead = c.Sequence
		}
	}
	p.sendChanges(list)

	if len(list) == p.batchSize {
		p.requestChanges()
	} else {
		// short batch: we are at the feed's end until new changes commit
		p.caughtUp = true
		if !p.announced {
			p.announced = true
			p.sendChanges(nil) // tell the peer's puller it is caught up
		}
		if p.continuous {
			p.subscribeFeed()
		}
	}
}

func (p *Pusher) sendChanges(list []recordstore.Change) {
	msg := NewRequest(ProfileChanges)
	entries := make([][4]string, len(list))
	for i, c := range list {
		entries[i] = [4]string{
			strconv.FormatUint(c.Sequence, 10), c.DocID, c.RevID, boolProp(c.Deleted),
		}
	}
	msg.Body, _ = json.Marshal(entries)

	fut := p.conn.SendRequest(msg)
	fut.OnReady(p.a, func(resp *Message, err error) {
		p.handleChangesReply(list, resp, err)
	})
}

func (p *Pusher) handleChangesReply(list []recordstore.Change, resp *Message, err error) {
	if p.stopped {
		return
	}
	if err != nil {
		p.stop(err)
		return
	}
	if respErr := resp.Err(); respErr != nil {
		p.stop(respErr)
		return
	}
	if len(list) == 0 {
		p.maybeStop()
		return
	}

	// One answer per entry: null to skip, otherwise known-ancestor hints.
	var answers []json.RawMessage
	if err := json.Unmarshal(resp.Body, &answers); err != nil || len(answers) != len(list) {
		p.stop(status.RemoteError("malformed changes reply"))
		return
	}
	for i, raw := range answers {
		c := list[i]
		var ancestors []string
		if string(raw) == "null" {
			p.markComplete(c.Sequence)
			continue
		}
		if err := json.Unmarshal(raw, &ancestors); err != nil {
			p.stop(status.RemoteError("malformed changes reply entry"))
			return
		}
		p.revsToSend = append(p.revsToSend, RevRequest{
			Sequence:       c.Sequence,
			DocID:          c.DocID,
			RevID:          c.RevID,
			Deleted:        c.Deleted,
			KnownAncestors: ancestors,
		})
	}
	p.dispatchRevs()
	p.maybeStop()
}

func (p *Pusher) dispatchRevs() {
	for p.revsInFlight < kMaxRevsInFlight && len(p.revsToSend) > 0 && !p.stopped {
		req := p.revsToSend[0]
		p.revsToSend = p.revsToSend[1:]
		p.revsInFlight++
		p.db.FetchRev(req, p.a, func(rts *RevToSend, err error) {
			if p.stopped {
				return
			}
			if err != nil {
				// the revision may have been purged or compacted away since
				// it was offered; it cannot hold up the checkpoint
				p.log.WithFields(logrus.Fields{
					"doc": req.DocID, "rev": req.RevID,
				}).Warnf("cannot read revision to push: %v", err)
				p.revsInFlight--
				p.markComplete(req.Sequence)
				p.dispatchRevs()
				p.maybeStop()
				return
			}
			p.sendRev(req, rts)
		})
	}
}

func (p *Pusher) sendRev(req RevRequest, rts *RevToSend) {
	msg := NewRequest(ProfileRev)
	msg.Properties["id"] = rts.DocID
	msg.Properties["rev"] = rts.RevID
	msg.Properties["sequence"] = strconv.FormatUint(rts.Sequence, 10)
	if rts.Deleted {
		msg.Properties["deleted"] = "1"
	}
	if len(rts.History) > 0 {
		msg.Properties["history"] = strings.Join(rts.History, ",")
	}
	msg.Body = rts.Body

	fut := p.conn.SendRequest(msg)
	fut.OnReady(p.a, func(resp *Message, err error) {
		p.revsInFlight--
		if p.stopped {
			return
		}
		if err != nil {
			p.stop(err)
			return
		}
		if respErr := resp.Err(); respErr != nil {
			p.handleRevError(req, respErr)
		} else {
			p.retryDelay = kMinRetryDelay
			p.markComplete(req.Sequence)
		}
		p.dispatchRevs()
		p.maybeStop()
	})
}

// handleRevError retries shallow-history rejections with full history, and
// transient failures with backoff; permanent failures are recorded and the
// sequence completed so the session keeps moving.
func (p *Pusher) handleRevError(req RevRequest, err error) {
	if status.IsNotFound(err) && req.KnownAncestors != nil {
		// peer needs deeper history: resend without ancestor truncation
		retry := req
		retry.KnownAncestors = nil
		p.revsToSend = append(p.revsToSend, retry)
		return
	}
	if status.IsDisconnected(err) {
		p.stop(err)
		return
	}
	if transientError(err) {
		retry := req
		delay := p.retryDelay
		p.retryDelay *= 2
		if p.retryDelay > kMaxRetryDelay {
			p.retryDelay = kMaxRetryDelay
		}
		p.a.EnqueueAfter(delay, func() {
			if !p.stopped {
				p.revsToSend = append(p.revsToSend, retry)
				p.dispatchRevs()
			}
		})
		return
	}
	p.log.WithFields(logrus.Fields{
		"doc": req.DocID, "rev": req.RevID,
	}).Errorf("peer rejected revision: %v", err)
	p.markComplete(req.Sequence)
}

func (p *Pusher) markComplete(seq uint64) {
	p.pending.Remove(seq)
	if p.ckpt != nil {
		p.ckpt.NoteLocal(p.pending.CheckpointableSequence())
	}
}

func (p *Pusher) subscribeFeed() {
	if p.feedCancel != nil {
		return
	}
	ch, cancel := p.db.Subscribe()
	p.feedCancel = cancel
	go func() {
		for range ch {
			p.a.Enqueue(func() {
				if !p.stopped && p.changeListsInFlight == 0 {
					p.requestChanges()
				}
			})
		}
	}()
}

func (p *Pusher) maybeStop() {
	if p.continuous || !p.caughtUp || p.stopped {
		return
	}
	if p.changeListsInFlight == 0 && p.revsInFlight == 0 &&
		len(p.revsToSend) == 0 && p.pending.Empty() {
		p.stop(nil)
	}
}

func (p *Pusher) stop(err error) {
	if p.stopped {
		return
	}
	p.stopped = true
	if p.feedCancel != nil {
		p.feedCancel()
		p.feedCancel = nil
	}
	if p.onStopped != nil {
		p.onStopped(err)
	}
}

func boolProp(b bool) string {
	if b {
		return "1"
	}
	return ""
}

func transientError(err error) bool {
	return status.Is(err, status.CodeBusy) || status.Is(err, status.CodeIOError)
}
