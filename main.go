package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sticktask/taskrunner/engine"
	"github.com/sticktask/taskrunner/eventbus"
	"github.com/sticktask/taskrunner/logpipe"
	"github.com/sticktask/taskrunner/router"
	"github.com/sticktask/taskrunner/store"
	"github.com/sticktask/taskrunner/store/sqlite"
)

var version = "dev"

const dbPath = "task-runner.db"

func main() {
	address := flag.String("address", "0.0.0.0", "address to bind the HTTP server to")
	port := flag.String("port", "7436", "port to bind the HTTP server to")
	flag.Parse()

	fmt.Printf("task-runner %s\n", version)

	db, err := sqlite.Open(dbPath)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	if err := run(*address, *port, db); err != nil {
		log.Fatal(err)
	}
}

func run(address, port string, db store.Store) error {
	statusBus := eventbus.New[*engine.StatusEvent](256)
	defer statusBus.Close()
	logBus := eventbus.New[*store.LogLine](1024)
	defer logBus.Close()

	logs := logpipe.New(db, logBus, nowMillis)
	eng := engine.New(db, statusBus, logs, nowMillis)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.NewWaiter(eng).Run(ctx)

	srv := &http.Server{
		Addr: address + ":" + port,
		Handler: router.New(&router.Server{
			Store:  db,
			Engine: eng,
			Logs:   logs,
		}),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		return err
	case <-sigCh:
	}

	log.Println("shutting down...")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	eng.CancelAllInFlight()

	// Give SIGKILL time to propagate through the process groups just
	// signalled above.
	time.Sleep(200 * time.Millisecond)
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
