package main

import (
	"flag"
	"fmt"
	"os"

	"roomsync/internal/app"
)

func main() {
	app.LoadEnv()

	serverURL := flag.String("server", app.Getenv("ROOMSYNC_SERVER", "ws://localhost:8080/events"), "relay events URL (e.g., ws://localhost:8080/events)")
	username := flag.String("user", app.Getenv("ROOMSYNC_USER", defaultUsername()), "display name")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: client [flags] <room>")
		os.Exit(2)
	}

	cfg := app.ClientConfig{
		ServerURL: *serverURL,
		Username:  *username,
		RoomKey:   args[0],
	}

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func defaultUsername() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}
