package replicator

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/litecore-db/litecore/pkg/actor"
	"github.com/litecore-db/litecore/pkg/status"
)

const kDefaultCheckpointSaveDelay = 5 * time.Second

// checkpointBody is the durable JSON form.
type checkpointBody struct {
	Local  uint64 `json:"local"`
	Remote uint64 `json:"remote"`
}

// ClientID derives the checkpoint key from the peer's identity: the hex
// SHA-1 of a canonical rendering of the remote URL and session directions.
func ClientID(remoteURL string, push, pull Mode) string {
	canonical, _ := json.Marshal(map[string]interface{}{
		"remote": remoteURL,
		"push":   int(push),
		"pull":   int(pull),
	})
	sum := sha1.Sum(canonical)
	return hex.EncodeToString(sum[:])
}

// Checkpointer debounces checkpoint writes: each progress note restarts a
// save timer; on expiry the {local, remote} pair is written both to the
// local store and, when a connection is attached, to the peer. Stop flushes
// synchronously.
type Checkpointer struct {
	a      *actor.Actor
	db     *DBActor
	conn   *Conn // nil for passive sessions
	client string
	delay  time.Duration
	log    *logrus.Logger

	local      uint64
	remote     uint64
	dirty      bool
	timerStop  func() bool
	timerLive  bool
	stopped    bool
}

func NewCheckpointer(db *DBActor, conn *Conn, client string,
	delay time.Duration, log *logrus.Logger) *Checkpointer {

	if delay <= 0 {
		delay = kDefaultCheckpointSaveDelay
	}
	if log == nil {
		log = logrus.New()
	}
	return &Checkpointer{
		a:      actor.New("checkpointer"),
		db:     db,
		conn:   conn,
		client: client,
		delay:  delay,
		log:    log,
	}
}

// Read fetches the last durable checkpoint: the local store first, the peer
// as fallback for a fresh replica. The callback runs on the caller's actor.
func (c *Checkpointer) Read(caller *actor.Actor, cb func(local, remote uint64)) {
	c.db.GetCheckpoint(c.client, caller, func(body []byte, err error) {
		if err == nil {
			local, remote := decodeCheckpoint(body)
			cb(local, remote)
			return
		}
		if !status.IsNotFound(err) {
			c.log.Warnf("could not read checkpoint: %v", err)
		}
		if c.conn == nil {
			cb(0, 0)
			return
		}
		msg := NewRequest(ProfileGetCheckpoint)
		msg.Properties["client"] = c.client
		c.conn.SendRequest(msg).OnReady(caller, func(resp *Message, err error) {
			if err != nil || resp.Err() != nil {
				cb(0, 0)
				return
			}
			local, remote := decodeCheckpoint(resp.Body)
			cb(local, remote)
		})
	})
}

// NoteLocal records push progress: every local sequence <= seq is durable
// upstream.
func (c *Checkpointer) NoteLocal(seq uint64) {
	c.a.Enqueue(func() {
		if seq > c.local {
			c.local = seq
			c.dirty = true
			c.schedule()
		}
	})
}

// NoteRemote records pull progress.
func (c *Checkpointer) NoteRemote(seq uint64) {
	c.a.Enqueue(func() {
		if seq > c.remote {
			c.remote = seq
			c.dirty = true
			c.schedule()
		}
	})
}

func (c *Checkpointer) schedule() {
	if c.timerLive || c.stopped {
		return
	}
	c.timerLive = true
	c.timerStop = c.a.EnqueueAfter(c.delay, func() {
		c.timerLive = false
		c.save()
	})
}

func (c *Checkpointer) save() { c.saveAndNotify(nil) }

// saveAndNotify writes the checkpoint; saved (when non-nil) is closed once
// the local write has gone through the DB actor, so a shutdown can wait for
// durability before tearing actors down.
func (c *Checkpointer) saveAndNotify(saved chan struct{}) {
	if !c.dirty {
		if saved != nil {
			close(saved)
		}
		return
	}
	c.dirty = false
	body, _ := json.Marshal(checkpointBody{Local: c.local, Remote: c.remote})

	c.db.SetCheckpoint(c.client, body, c.a, func(_ struct{}, err error) {
		if err != nil {
			c.log.Errorf("could not save checkpoint: %v", err)
			c.dirty = true
			c.schedule()
		}
		if saved != nil {
			close(saved)
		}
	})
	if c.conn != nil {
		msg := NewRequest(ProfileSetCheckpoint)
		msg.Properties["client"] = c.client
		msg.Body = body
		if err := c.conn.SendNoReply(msg); err != nil {
			c.log.Debugf("could not push checkpoint to peer: %v", err)
		}
	}
}

// Stop flushes a pending checkpoint synchronously and releases the mailbox.
func (c *Checkpointer) Stop() {
	saved := make(chan struct{})
	err := c.a.Enqueue(func() {
		c.stopped = true
		if c.timerStop != nil {
			c.timerStop()
			c.timerLive = false
		}
		c.saveAndNotify(saved)
	})
	if err == nil {
		<-saved
	}
	c.a.Close()
}

func decodeCheckpoint(body []byte) (uint64, uint64) {
	var cp checkpointBody
	if err := json.Unmarshal(body, &cp); err != nil {
		return 0, 0
	}
	return cp.Local, cp.Remote
}
