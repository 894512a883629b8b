// litecore-server exposes a database as a passive replication peer: remote
// replicators connect to ws://host/replicate and push or pull documents.
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	litecore "github.com/litecore-db/litecore"
	"github.com/litecore-db/litecore/internal/config"
	"github.com/litecore-db/litecore/pkg/replicator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	log := logrus.New()

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("cannot load configuration: %v", err)
	}
	if level, err := logrus.ParseLevel(conf.LogLevel); err == nil {
		log.SetLevel(level)
	}

	db, err := litecore.Open(litecore.Config{
		Path:            conf.DataPath,
		Create:          true,
		MinimumFreeGB:   conf.MinimumFreeGB,
		MaxRevTreeDepth: conf.MaxRevTreeDepth,
		Logger:          log,
	})
	if err != nil {
		log.Fatalf("cannot open database: %v", err)
	}
	defer db.Close()

	http.HandleFunc("/replicate", func(w http.ResponseWriter, r *http.Request) {
		stream, err := replicator.UpgradeWebSocket(w, r, nil)
		if err != nil {
			log.Errorf("rejecting replication connection: %v", err)
			return
		}
		conn := replicator.NewConn(stream, log)
		repl := db.NewReplicator(conn, replicator.Options{
			Push:      replicator.ModePassive,
			Pull:      replicator.ModePassive,
			RemoteURL: r.RemoteAddr,
			Logger:    log,
		})
		repl.Start()
		log.WithFields(logrus.Fields{
			"peer": r.RemoteAddr,
		}).Info("replication session started")

		go func() {
			<-repl.Done()
			log.WithFields(logrus.Fields{
				"peer": r.RemoteAddr,
			}).Info("replication session ended")
		}()
	})

	log.Infof("listening on %s", conf.ListenAddr)
	if err := http.ListenAndServe(conf.ListenAddr, nil); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
