package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"roomsync/internal/app"
)

func main() {
	app.LoadEnv()

	addr := flag.String("addr", app.Getenv("ROOMSYNC_ADDR", ":8080"), "relay listen address")
	dbPath := flag.String("db", app.Getenv("ROOMSYNC_DB_PATH", app.DefaultDBPath()), "sqlite database path")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, app.ServerConfig{Addr: *addr, DBPath: *dbPath})
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("Roomsync relay listening on %s", handle.Addr())

	if err := handle.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
