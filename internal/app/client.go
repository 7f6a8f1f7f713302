package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	intrnl "roomsync/internal"
)

// RunClient wires the engine against a running relay and starts the
// terminal UI.
func RunClient(cfg ClientConfig) error {
	httpBase, err := httpBaseFromEventsURL(cfg.ServerURL)
	if err != nil {
		return err
	}

	history := intrnl.NewHistoryClient(httpBase)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := history.EnsureRoom(ctx, cfg.RoomKey); err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}

	bus := intrnl.NewWSBus(cfg.ServerURL, cfg.Username)
	defer bus.Close()

	controller := intrnl.NewController(bus, history, intrnl.StaticIdentity(cfg.Username), intrnl.Options{})
	defer controller.Close()

	return intrnl.RunClient(controller, cfg.RoomKey, cfg.Username)
}

// httpBaseFromEventsURL converts ws(s)://host/events into http(s)://host.
func httpBaseFromEventsURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}
