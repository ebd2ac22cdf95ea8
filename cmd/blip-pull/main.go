// The blip-pull program is a thin wiring example for pkg/replicator: it
// constructs an authenticator, a datastore sink, and a Replicator from flags,
// then runs one pull pass. The CLI itself is an out-of-scope external
// collaborator for this module (spec.md section 1); this is the minimum
// needed to exercise the module end to end.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/sgblip/goblip/pkg/auth"
	"github.com/sgblip/goblip/pkg/datastore"
	"github.com/sgblip/goblip/pkg/replicator"
)

func main() {
	var (
		database   = flag.String("database", "", "remote database name")
		target     = flag.String("target", "", "sync gateway host")
		port       = flag.Int("port", 4984, "sync gateway BLIP port")
		ssl        = flag.Bool("ssl", false, "use wss:// instead of ws://")
		username   = flag.String("username", "", "basic auth username")
		password   = flag.String("password", "", "basic auth password")
		session    = flag.String("session", "", "Sync Gateway session id (overrides username/password)")
		sink       = flag.String("sink", "console", "output sink: console, jsonlines, or sqlite")
		outDir     = flag.String("dir", "/var/tmp", "output directory for jsonlines/sqlite sinks")
		checkpoint = flag.Bool("checkpoint", true, "commit a checkpoint at the end of the pass")
		timeout    = flag.Duration("timeout", 60*time.Second, "overall pull timeout")
	)
	flag.Parse()

	if *database == "" || *target == "" {
		log.Fatal("-database and -target are required")
	}

	var authenticator auth.Header
	switch {
	case *session != "":
		authenticator = auth.Session{ID: *session}
	case *username != "":
		authenticator = auth.Basic{Username: *username, Password: *password}
	}

	store, err := buildSink(*sink, *outDir)
	if err != nil {
		log.Fatalf("sink: %v", err)
	}
	if err := store.Bind(*database); err != nil {
		log.Fatalf("binding sink to database %q: %v", *database, err)
	}

	r, err := replicator.New(replicator.Config{
		Database:      *database,
		Target:        *target,
		Port:          *port,
		SSL:           *ssl,
		Type:          replicator.Pull,
		Authenticator: authenticator,
		Datastore:     store,
		Checkpoint:    *checkpoint,
	})
	if err != nil {
		log.Fatalf("replicator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	log.Printf("pulling %q from %q as client %q", *database, *target, r.ClientID())
	if err := r.Pull(ctx); err != nil {
		log.Fatalf("pull failed: %v", err)
	}
	log.Print("pull complete")
}

func buildSink(kind, dir string) (datastore.Sink, error) {
	switch kind {
	case "console":
		return &datastore.Console{}, nil
	case "jsonlines":
		return &datastore.JSONLines{Directory: dir}, nil
	case "sqlite":
		return &datastore.SQLite{Directory: dir}, nil
	default:
		log.Printf("unrecognized -sink %q, falling back to console", kind)
		return &datastore.Console{}, nil
	}
}
