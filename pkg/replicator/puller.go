package replicator

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/litecore-db/litecore/pkg/actor"
	"github.com/litecore-db/litecore/pkg/sequence"
	"github.com/litecore-db/litecore/pkg/status"
)

// Puller drives the inbound half of a session: it subscribes to the peer's
// change feed, answers each offered batch with the revisions it lacks, and
// inserts arriving revisions, checkpointing the remote sequence once every
// revision of a batch has landed.
//
// States: idle -> requesting -> receiving -> (continuous-waiting | stopped).
type Puller struct {
	a    *actor.Actor
	conn *Conn
	db   *DBActor
	ckpt *Checkpointer
	log  *logrus.Logger

	continuous bool

	pending         sequence.Set // remote sequences not yet fully inserted
	batchesInFlight int          // changes batches awaiting their DB answer
	caughtUp        bool
	stopped         bool

	onStopped func(error)
}

// NewPuller wires a puller and registers its message handlers.
func NewPuller(conn *Conn, db *DBActor, ckpt *Checkpointer, continuous bool,
	log *logrus.Logger, onStopped func(error)) *Puller {

	if log == nil {
		log = logrus.New()
	}
	p := &Puller{
		a:          actor.New("puller"),
		conn:       conn,
		db:         db,
		ckpt:       ckpt,
		log:        log,
		continuous: continuous,
		onStopped:  onStopped,
	}
	conn.SetHandler(ProfileChanges, p.handleChanges)
	conn.SetHandler(ProfileRev, p.handleRev)
	return p
}

// Start subscribes to the peer's changes from the checkpointed remote
// sequence.
func (p *Puller) Start(sinceSequence uint64) {
	p.a.Enqueue(func() {
		msg := NewRequest(ProfileSubChanges)
		msg.Properties["since"] = strconv.FormatUint(sinceSequence, 10)
		if p.continuous {
			msg.Properties["continuous"] = "1"
		}
		if err := p.conn.SendNoReply(msg); err != nil {
			p.stop(err)
		}
	})
}

// Stop ends the pull.
func (p *Puller) Stop() {
	p.a.Enqueue(func() { p.stop(nil) })
}

// Close releases the mailbox. Call after Stop.
func (p *Puller) Close() { p.a.Close() }

// handleChanges answers an offered batch: null per known revision, known
// ancestor hints per wanted one.
func (p *Puller) handleChanges(req *Message, respond func(*Message)) {
	var entries [][4]string
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &entries); err != nil {
			respond(NewErrorResponse(req, status.DomainNetwork, status.CodeRemoteError,
				"malformed changes body"))
			return
		}
	}

	p.a.Enqueue(func() {
		if p.stopped {
			respond(NewErrorResponse(req, status.DomainNetwork, status.CodeDisconnected,
				"puller is stopped"))
			return
		}
		if len(entries) == 0 {
			// the peer is caught up
			p.caughtUp = true
			respond(NewResponse(req))
			p.maybeStop()
			return
		}

		batch := make([]ChangeEntry, len(entries))
		for i, e := range entries {
			seq, _ := strconv.ParseUint(e[0], 10, 64)
			batch[i] = ChangeEntry{
				Sequence: seq,
				DocID:    e[1],
				RevID:    e[2],
				Deleted:  e[3] == "1",
			}
		}

		p.batchesInFlight++
		p.db.WhichRevsUnknown(batch, p.a, func(answers [][]string, err error) {
			p.batchesInFlight--
			if err != nil {
				respond(NewErrorResponse(req, status.DomainDatabase, status.CodeInternal,
					err.Error()))
				return
			}
			for _, e := range batch {
				p.pending.Add(e.Sequence)
			}
			raw := make([]json.RawMessage, len(answers))
			for i, ans := range answers {
				if ans == nil {
					raw[i] = json.RawMessage("null")
					p.pending.Remove(batch[i].Sequence)
					continue
				}
				b, _ := json.Marshal(ans)
				raw[i] = b
			}
			resp := NewResponse(req)
			resp.Body, _ = json.Marshal(raw)
			respond(resp)
			// sequences we skipped are immediately checkpointable
			p.noteRemoteProgress()
			p.maybeStop()
		})
	})
}

// handleRev inserts one delivered revision.
func (p *Puller) handleRev(req *Message, respond func(*Message)) {
	docID := req.Properties["id"]
	revID := req.Properties["rev"]
	deleted := req.Properties["deleted"] == "1"
	remoteSeq, _ := strconv.ParseUint(req.Properties["sequence"], 10, 64)
	var history []string
	if h := req.Properties["history"]; h != "" {
		history = strings.Split(h, ",")
	}

	p.a.Enqueue(func() {
		if p.stopped {
			respond(NewErrorResponse(req, status.DomainNetwork, status.CodeDisconnected,
				"puller is stopped"))
			return
		}
		p.db.InsertRev(docID, revID, history, req.Body, deleted, p.a,
			func(_ uint64, err error) {
				if err != nil {
					p.log.WithFields(logrus.Fields{
						"doc": docID, "rev": revID,
					}).Warnf("could not insert pulled revision: %v", err)
					respond(errorReplyFor(req, err))
					// a permanently rejected revision must not wedge the
					// checkpoint; NotFound means the sender retries with
					// deeper history, so its sequence stays pending
					if !status.IsNotFound(err) {
						p.completeRemote(remoteSeq)
						p.maybeStop()
					}
					return
				}
				respond(NewResponse(req))
				p.completeRemote(remoteSeq)
				p.maybeStop()
			})
	})
}

func errorReplyFor(req *Message, err error) *Message {
	var se *status.Error
	if errors.As(err, &se) {
		return NewErrorResponse(req, se.Domain, se.Code, se.Message)
	}
	return NewErrorResponse(req, status.DomainDatabase, status.CodeInternal, err.Error())
}

func (p *Puller) completeRemote(seq uint64) {
	if seq > 0 {
		p.pending.Remove(seq)
	}
	p.noteRemoteProgress()
}

func (p *Puller) noteRemoteProgress() {
	if p.ckpt != nil {
		p.ckpt.NoteRemote(p.pending.CheckpointableSequence())
	}
}

func (p *Puller) maybeStop() {
	if p.continuous || !p.caughtUp || p.stopped {
		return
	}
	if p.batchesInFlight == 0 && p.pending.Empty() {
		p.stop(nil)
	}
}

func (p *Puller) stop(err error) {
	if p.stopped {
		return
	}
	p.stopped = true
	if p.onStopped != nil {
		p.onStopped(err)
	}
}
