// litecore is a small CLI over a local database: document CRUD, change
// listing, compaction, backup and one-shot replication.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	litecore "github.com/litecore-db/litecore"
	"github.com/litecore-db/litecore/internal/backup"
	"github.com/litecore-db/litecore/pkg/replicator"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: litecore <dbpath> <command> [args]

commands:
  put <docID> <parentRevID|-> <bodyJSON>   write a revision
  get <docID>                              print the current revision
  delete <docID> <revID>                   tombstone a document
  changes <sinceSeq>                       list changes after a sequence
  compact                                  prune histories and collect blobs
  backup <file>                            export a snapshot
  restore <file>                           import a snapshot
  push <url>                               one-shot push to a peer
  pull <url>                               one-shot pull from a peer
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	dbPath, command := os.Args[1], os.Args[2]
	args := os.Args[3:]

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	db, err := litecore.Open(litecore.Config{Path: dbPath, Create: true, Logger: log})
	if err != nil {
		fail("cannot open database: %v", err)
	}
	defer db.Close()

	switch command {
	case "put":
		if len(args) != 3 {
			usage()
		}
		parent := args[1]
		if parent == "-" {
			parent = ""
		}
		revID, seq, err := db.PutDocument(args[0], parent, []byte(args[2]), false)
		if err != nil {
			fail("put failed: %v", err)
		}
		fmt.Printf("%s @ seq %d\n", revID, seq)

	case "get":
		if len(args) != 1 {
			usage()
		}
		info, err := db.GetDocument(args[0])
		if err != nil {
			fail("get failed: %v", err)
		}
		state := ""
		if info.Deleted {
			state = " (deleted)"
		}
		if info.Conflicted {
			state += " (conflicted)"
		}
		fmt.Printf("%s %s%s\n%s\n", info.DocID, info.RevID, state, info.Body)

	case "delete":
		if len(args) != 2 {
			usage()
		}
		revID, seq, err := db.DeleteDocument(args[0], args[1])
		if err != nil {
			fail("delete failed: %v", err)
		}
		fmt.Printf("%s @ seq %d\n", revID, seq)

	case "changes":
		if len(args) != 1 {
			usage()
		}
		var since uint64
		fmt.Sscanf(args[0], "%d", &since)
		changes, err := db.Changes(since, 0)
		if err != nil {
			fail("changes failed: %v", err)
		}
		for _, c := range changes {
			deleted := ""
			if c.Deleted {
				deleted = " deleted"
			}
			fmt.Printf("%d %s %s%s\n", c.Sequence, c.DocID, c.RevID, deleted)
		}

	case "compact":
		if err := db.Compact(); err != nil {
			fail("compact failed: %v", err)
		}

	case "backup":
		if len(args) != 1 {
			usage()
		}
		f, err := os.Create(args[0])
		if err != nil {
			fail("cannot create %s: %v", args[0], err)
		}
		defer f.Close()
		if err := backup.Export(db.RecordStore(), db.BlobStore(), f, log); err != nil {
			fail("backup failed: %v", err)
		}

	case "restore":
		if len(args) != 1 {
			usage()
		}
		f, err := os.Open(args[0])
		if err != nil {
			fail("cannot open %s: %v", args[0], err)
		}
		defer f.Close()
		if err := backup.Restore(db.RecordStore(), db.BlobStore(), f, log); err != nil {
			fail("restore failed: %v", err)
		}

	case "push", "pull":
		if len(args) != 1 {
			usage()
		}
		opts := replicator.Options{RemoteURL: args[0], Logger: log}
		if command == "push" {
			opts.Push = replicator.ModeOneShot
		} else {
			opts.Pull = replicator.ModeOneShot
		}
		stream, err := replicator.DialWebSocket(args[0], nil)
		if err != nil {
			fail("cannot connect: %v", err)
		}
		conn := replicator.NewConn(stream, log)
		repl := db.NewReplicator(conn, opts)
		repl.Start()
		<-repl.Done()
		if err := repl.Error(); err != nil {
			fail("replication failed: %v", err)
		}

	default:
		usage()
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
