package replicator

import (
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/litecore-db/litecore/internal/recordstore"
	"github.com/litecore-db/litecore/pkg/actor"
	"github.com/litecore-db/litecore/pkg/status"
)

// Mode is a per-direction session mode.
type Mode int

const (
	ModeDisabled Mode = iota
	ModePassive
	ModeOneShot
	ModeContinuous
)

func (m Mode) active() bool { return m == ModeOneShot || m == ModeContinuous }

// Activity is the session's coarse state.
type Activity int

const (
	ActivityStopped Activity = iota
	ActivityConnecting
	ActivityBusy
	ActivityIdle
)

// Options configures a replication session.
type Options struct {
	Push Mode
	Pull Mode
	// RemoteURL identifies the peer for checkpointing.
	RemoteURL string
	// ChangeBatchSize defaults to 200.
	ChangeBatchSize int
	// CheckpointSaveDelay defaults to 5s.
	CheckpointSaveDelay time.Duration
	// MaxHistoryDepth bounds rev histories on the wire; defaults to 20.
	MaxHistoryDepth int
	Logger          *logrus.Logger
}

// Replicator supervises one replication session over one connection. It
// owns the session's actors and reports their failures without letting one
// direction's error break the other.
type Replicator struct {
	conn *Conn
	db   *DBActor
	opts Options
	log  *logrus.Logger

	a    *actor.Actor
	ckpt *Checkpointer

	pusher *Pusher
	puller *Puller

	mu       sync.Mutex
	activity Activity
	lastErr  error
	done     chan struct{}

	pushDone bool
	pullDone bool
}

// New builds a session over an established connection. The record store is
// wrapped in this session's DB actor.
func New(store *recordstore.Store, conn *Conn, opts Options) *Replicator {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	r := &Replicator{
		conn: conn,
		db:   NewDBActor(store, opts.MaxHistoryDepth, log),
		opts: opts,
		log:  log,
		a:    actor.New("replicator"),
		done: make(chan struct{}),
	}
	r.activity = ActivityConnecting
	return r
}

// Start wires handlers and kicks off the configured directions.
func (r *Replicator) Start() {
	client := ClientID(r.opts.RemoteURL, r.opts.Push, r.opts.Pull)
	r.ckpt = NewCheckpointer(r.db, r.connForCheckpoint(), client,
		r.opts.CheckpointSaveDelay, r.log)

	// Passive-side services are always available: a peer may ask us for
	// checkpoints or subscribe to our changes regardless of our own modes.
	r.conn.SetHandler(ProfileGetCheckpoint, r.handleGetCheckpoint)
	r.conn.SetHandler(ProfileSetCheckpoint, r.handleSetCheckpoint)
	r.conn.SetHandler(ProfileSubChanges, r.handleSubChanges)

	if r.opts.Pull.active() || r.opts.Pull == ModePassive {
		r.puller = NewPuller(r.conn, r.db, r.ckpt,
			r.opts.Pull == ModeContinuous || r.opts.Pull == ModePassive,
			r.log, r.pullStopped)
	} else {
		r.pullDone = true
	}
	if !r.opts.Push.active() && r.opts.Push != ModePassive {
		r.pushDone = true
	}

	r.conn.OnClose(func(err error) {
		r.a.Enqueue(func() { r.connectionClosed(err) })
	})

	r.setActivity(ActivityBusy)

	r.ckpt.Read(r.a, func(local, remote uint64) {
		if r.opts.Push.active() {
			r.pusher = NewPusher(r.conn, r.db, r.ckpt,
				r.opts.Push == ModeContinuous, false,
				r.opts.ChangeBatchSize, r.log, r.pushStopped)
			r.pusher.Start(local)
		}
		if r.puller != nil && r.opts.Pull.active() {
			r.puller.Start(remote)
		}
	})
}

// connForCheckpoint: only active sessions mirror their checkpoint to the
// peer; a passive session stores the client's checkpoints locally.
func (r *Replicator) connForCheckpoint() *Conn {
	if r.opts.Push.active() || r.opts.Pull.active() {
		return r.conn
	}
	return nil
}

// handleSubChanges starts the passive pusher streaming changes to the peer.
func (r *Replicator) handleSubChanges(req *Message, respond func(*Message)) {
	since, _ := strconv.ParseUint(req.Properties["since"], 10, 64)
	continuous := req.Properties["continuous"] == "1"

	r.a.Enqueue(func() {
		if r.pusher != nil {
			respond(NewErrorResponse(req, status.DomainNetwork, status.CodeRemoteError,
				"changes already subscribed"))
			return
		}
		r.pusher = NewPusher(r.conn, r.db, nil, continuous, true,
			r.opts.ChangeBatchSize, r.log, r.pushStopped)
		r.pusher.Start(since)
		respond(NewResponse(req))
	})
}

func (r *Replicator) handleGetCheckpoint(req *Message, respond func(*Message)) {
	client := req.Properties["client"]
	r.db.GetCheckpoint(client, r.a, func(body []byte, err error) {
		if err != nil {
			respond(errorReplyFor(req, err))
			return
		}
		resp := NewResponse(req)
		resp.Body = body
		respond(resp)
	})
}

func (r *Replicator) handleSetCheckpoint(req *Message, respond func(*Message)) {
	client := req.Properties["client"]
	body := req.Body
	r.db.SetCheckpoint(client, body, r.a, func(_ struct{}, err error) {
		if err != nil {
			respond(errorReplyFor(req, err))
			return
		}
		respond(NewResponse(req))
	})
}

// pushStopped and pullStopped run on the pusher's/puller's mailbox; hop to
// the supervisor's.
func (r *Replicator) pushStopped(err error) {
	r.a.Enqueue(func() {
		r.pushDone = true
		r.noteStopped(err)
	})
}

func (r *Replicator) pullStopped(err error) {
	r.a.Enqueue(func() {
		r.pullDone = true
		r.noteStopped(err)
	})
}

func (r *Replicator) noteStopped(err error) {
	if err != nil && !status.IsDisconnected(err) {
		r.mu.Lock()
		if r.lastErr == nil {
			r.lastErr = err
		}
		r.mu.Unlock()
		r.log.Errorf("replication direction failed: %v", err)
	}
	if r.pushDone && r.pullDone {
		r.shutdown()
	}
}

func (r *Replicator) connectionClosed(err error) {
	r.mu.Lock()
	if r.lastErr == nil && err != nil && !status.IsDisconnected(err) {
		r.lastErr = err
	}
	r.mu.Unlock()
	r.shutdown()
}

// Stop ends the session: flush the checkpoint, stop both directions, close
// the connection.
func (r *Replicator) Stop() {
	r.a.Enqueue(func() { r.shutdown() })
}

func (r *Replicator) shutdown() {
	select {
	case <-r.done:
		return
	default:
	}

	if r.pusher != nil {
		r.pusher.Stop()
	}
	if r.puller != nil {
		r.puller.Stop()
	}
	if r.ckpt != nil {
		r.ckpt.Stop() // synchronous flush
	}
	r.conn.Close()
	if r.pusher != nil {
		r.pusher.Close()
	}
	if r.puller != nil {
		r.puller.Close()
	}
	r.db.Close()

	r.setActivity(ActivityStopped)
	close(r.done)
	// shutdown runs on this actor's own mailbox; release it once the
	// current message returns
	go r.a.Close()
}

// Done is closed once the session has fully stopped.
func (r *Replicator) Done() <-chan struct{} { return r.done }

// Error reports the first non-disconnect failure, if any.
func (r *Replicator) Error() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Replicator) Activity() Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activity
}

func (r *Replicator) setActivity(a Activity) {
	r.mu.Lock()
	r.activity = a
	r.mu.Unlock()
}
